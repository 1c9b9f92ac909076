package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vmorsell/shelterlink/internal/auth"
	"github.com/vmorsell/shelterlink/internal/client"
	"github.com/vmorsell/shelterlink/internal/config"
	"github.com/vmorsell/shelterlink/pkg/model"
)

const defaultConnectTimeout = 10 * time.Second

func newListenCmd(v *viper.Viper) *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print shelter updates, alerts and state changes until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			c := client.New(cfg.WSURL)
			c.Connect(token, &client.Callbacks{
				OnShelterUpdate: func(u model.ShelterUpdate) { printEvent(out, "shelter_update", u.Raw) },
				OnAlert:         func(a model.Alert) { printEvent(out, "alert", a.Raw) },
				OnStateChange:   func(s client.ConnectionState) { printEvent(out, "state", s) },
			})

			<-ctx.Done()
			c.Disconnect()
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "access token")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func newSendCmd(v *viper.Viper) *cobra.Command {
	var (
		token       string
		action      string
		data        string
		targetType  string
		targetValue string
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Connect, send one message and disconnect",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}

			payload, err := buildData(model.Action(action), data)
			if err != nil {
				return err
			}
			var target *model.WireTarget
			if targetType != "" {
				target = &model.WireTarget{Type: targetType, Value: targetValue}
				if _, err := model.ParseTarget(target); err != nil {
					return fmt.Errorf("invalid target: %w", err)
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			c := client.New(cfg.WSURL)
			defer c.Disconnect()
			if err := connect(ctx, c, token); err != nil {
				return err
			}
			if err := c.SendMessage(model.Action(action), payload, target); err != nil {
				return fmt.Errorf("send message: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", action)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&token, "token", "", "access token")
	flags.StringVar(&action, "action", string(model.ActionBroadcast), "message action")
	flags.StringVar(&data, "data", "", "message data as JSON")
	flags.StringVar(&targetType, "target-type", "", "target type: all, role, user or shelter")
	flags.StringVar(&targetValue, "target-value", "", "target value")
	flags.DurationVar(&timeout, "timeout", defaultConnectTimeout, "time allowed to connect")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func newTokenCmd(v *viper.Viper) *cobra.Command {
	var (
		claims auth.Claims
		role   string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			if err := cfg.Require(config.KeyJWTSecret); err != nil {
				return err
			}

			claims.Role = model.Role(role)
			token, err := auth.NewJWTService(cfg.JWTSecret, cfg.TokenExpiry).Issue(claims)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.String("secret", "", "HS256 signing secret")
	flags.Duration("expiry", config.DefaultTokenExpiry, "token lifetime")
	flags.StringVar(&claims.UserID, "user", "", "user id")
	flags.StringVar(&claims.Email, "email", "", "email")
	flags.StringVar(&role, "role", string(model.RoleFirstResponder), "role")
	flags.StringVar(&claims.ShelterID, "shelter", "", "shelter id, required for shelter operators")
	_ = v.BindPFlag(config.KeyJWTSecret, flags.Lookup("secret"))
	_ = v.BindPFlag(config.KeyTokenExpiry, flags.Lookup("expiry"))
	return cmd
}

// connect opens a session and waits for it to be established.
func connect(ctx context.Context, c *client.Client, token string) error {
	states := make(chan client.ConnectionState, 16)
	c.Connect(token, &client.Callbacks{
		OnStateChange: func(s client.ConnectionState) {
			select {
			case states <- s:
			default:
			}
		},
	})

	for {
		select {
		case s := <-states:
			switch s.Status {
			case client.StatusConnected:
				return nil
			case client.StatusError:
				return errors.New(s.LastError)
			}
		case <-ctx.Done():
			return fmt.Errorf("connect: %w", ctx.Err())
		}
	}
}

// buildData parses raw as JSON. Alerts without an id get a fresh one.
func buildData(action model.Action, raw string) (json.RawMessage, error) {
	if raw == "" {
		if action != model.ActionAlert {
			return nil, nil
		}
		raw = "{}"
	}
	if !json.Valid([]byte(raw)) {
		return nil, errors.New("data is not valid JSON")
	}
	if action != model.ActionAlert {
		return json.RawMessage(raw), nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("alert data must be an object: %w", err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage)
	}
	if _, ok := fields["alertId"]; !ok {
		id, _ := json.Marshal(uuid.NewString())
		fields["alertId"] = id
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal alert: %w", err)
	}
	return b, nil
}

func printEvent(w io.Writer, kind string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintf(w, "%s: %v\n", kind, err)
		return
	}
	fmt.Fprintf(w, "%s %s\n", kind, b)
}
