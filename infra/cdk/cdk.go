package main

import (
	"fmt"

	"github.com/aws/aws-cdk-go/awscdk/v2"
	awsapigatewayv2 "github.com/aws/aws-cdk-go/awscdk/v2/awsapigatewayv2"
	apigwint "github.com/aws/aws-cdk-go/awscdk/v2/awsapigatewayv2integrations"
	awscertificatemanager "github.com/aws/aws-cdk-go/awscdk/v2/awscertificatemanager"
	awscloudwatch "github.com/aws/aws-cdk-go/awscdk/v2/awscloudwatch"
	awsdynamodb "github.com/aws/aws-cdk-go/awscdk/v2/awsdynamodb"
	awsiam "github.com/aws/aws-cdk-go/awscdk/v2/awsiam"
	awslambda "github.com/aws/aws-cdk-go/awscdk/v2/awslambda"
	"github.com/aws/constructs-go/constructs/v10"
	"github.com/aws/jsii-runtime-go"
)

const (
	resourceNameTable        = "ConnectionsTable"
	resourceNameFunction     = "WebsocketHandler"
	resourceNameAPI          = "ShelterlinkApi"
	resourceNameCertificate  = "WsApiCertificate"
	resourceNameCustomDomain = "CustomDomain"
	resourceNameStage        = "Stage"
	resourceNameOutputAPIURL = "WSApiURL"

	integrationNameConnect    = "ConnectIntegration"
	integrationNameDisconnect = "DisconnectIntegration"
	integrationNameDefault    = "DefaultIntegration"

	apiName                    = "ShelterlinkWebsocketApi"
	routeSelectionExpression   = "$request.body.action"
	stageName                  = "production"
	partitionKey               = "connectionId"
	ttlAttribute               = "ttl"
	lambdaHandler              = "bootstrap"
	lambdaCodePath             = "../../build"
	envVarConnectionsTable     = "CONNECTIONS_TABLE"
	envVarJWTSecret            = "JWT_SECRET"
	envVarConnectionTTL        = "CONNECTION_TTL"
	connectionTTL              = "2h"
	iamActionManageConnections = "execute-api:ManageConnections"
	iamResourcePattern         = "arn:aws:execute-api:%s:%s:%s/%s/POST/@connections/*"

	contextKeyJWTSecret  = "jwtSecret"
	contextKeyDomainName = "domainName"
)

type ShelterlinkStackProps struct {
	awscdk.StackProps

	// JWTSecret verifies access tokens on $connect.
	JWTSecret string

	// DomainName, when set, maps the stage onto a custom domain at the path
	// of the stage name.
	DomainName string
}

func NewShelterlinkStack(scope constructs.Construct, id string, props *ShelterlinkStackProps) awscdk.Stack {
	stack := awscdk.NewStack(scope, &id, &props.StackProps)

	table := createDynamoDBTable(stack)
	function := createLambdaFunction(stack, table, props.JWTSecret)
	api := createWebSocketAPI(stack, function)
	createStage(stack, api, props.DomainName)
	grantAPIPermissions(stack, function, api)
	createCloudWatchAlarms(stack, function, table)

	createOutputs(stack, api)

	return stack
}

// createDynamoDBTable stores one item per connection. Items expire through
// the ttl attribute.
func createDynamoDBTable(stack awscdk.Stack) awsdynamodb.Table {
	return awsdynamodb.NewTable(stack, jsii.String(resourceNameTable), &awsdynamodb.TableProps{
		PartitionKey: &awsdynamodb.Attribute{
			Name: jsii.String(partitionKey),
			Type: awsdynamodb.AttributeType_STRING,
		},
		TimeToLiveAttribute: jsii.String(ttlAttribute),
		BillingMode:         awsdynamodb.BillingMode_PAY_PER_REQUEST,
		RemovalPolicy:       awscdk.RemovalPolicy_DESTROY,
	})
}

func createLambdaFunction(stack awscdk.Stack, table awsdynamodb.Table, jwtSecret string) awslambda.Function {
	fn := awslambda.NewFunction(stack, jsii.String(resourceNameFunction), &awslambda.FunctionProps{
		Runtime:      awslambda.Runtime_PROVIDED_AL2023(),
		Architecture: awslambda.Architecture_ARM_64(),
		Handler:      jsii.String(lambdaHandler),
		Code:         awslambda.Code_FromAsset(jsii.String(lambdaCodePath), nil),
		Timeout:      awscdk.Duration_Seconds(jsii.Number(10)),
		Environment: &map[string]*string{
			envVarConnectionsTable: table.TableName(),
			envVarJWTSecret:        jsii.String(jwtSecret),
			envVarConnectionTTL:    jsii.String(connectionTTL),
		},
	})

	table.GrantReadWriteData(fn)

	return fn
}

func createWebSocketAPI(stack awscdk.Stack, function awslambda.Function) awsapigatewayv2.WebSocketApi {
	return awsapigatewayv2.NewWebSocketApi(stack, jsii.String(resourceNameAPI), &awsapigatewayv2.WebSocketApiProps{
		ApiName:                  jsii.String(apiName),
		RouteSelectionExpression: jsii.String(routeSelectionExpression),
		ConnectRouteOptions:      routeOptions(integrationNameConnect, function),
		DisconnectRouteOptions:   routeOptions(integrationNameDisconnect, function),
		DefaultRouteOptions:      routeOptions(integrationNameDefault, function),
	})
}

func routeOptions(integrationName string, function awslambda.Function) *awsapigatewayv2.WebSocketRouteOptions {
	return &awsapigatewayv2.WebSocketRouteOptions{
		Integration: apigwint.NewWebSocketLambdaIntegration(
			jsii.String(integrationName),
			function,
			&apigwint.WebSocketLambdaIntegrationProps{},
		),
	}
}

func createStage(stack awscdk.Stack, api awsapigatewayv2.WebSocketApi, domainName string) {
	props := &awsapigatewayv2.WebSocketStageProps{
		WebSocketApi: api,
		StageName:    jsii.String(stageName),
		AutoDeploy:   jsii.Bool(true),
	}

	if domainName != "" {
		cert := awscertificatemanager.NewCertificate(stack, jsii.String(resourceNameCertificate), &awscertificatemanager.CertificateProps{
			DomainName: jsii.String(domainName),
			Validation: awscertificatemanager.CertificateValidation_FromDns(nil),
		})
		customDomain := awsapigatewayv2.NewDomainName(stack, jsii.String(resourceNameCustomDomain), &awsapigatewayv2.DomainNameProps{
			DomainName:  jsii.String(domainName),
			Certificate: cert,
		})
		// The handler derives the management endpoint as https://<domain>/<stage>.
		props.DomainMapping = &awsapigatewayv2.DomainMappingOptions{
			DomainName: customDomain,
			MappingKey: jsii.String(stageName),
		}
	}

	awsapigatewayv2.NewWebSocketStage(stack, jsii.String(resourceNameStage), props)
}

func grantAPIPermissions(stack awscdk.Stack, function awslambda.Function, api awsapigatewayv2.WebSocketApi) {
	postArn := fmt.Sprintf(
		iamResourcePattern,
		*stack.Region(),
		*stack.Account(),
		*api.ApiId(),
		stageName,
	)

	function.AddToRolePolicy(awsiam.NewPolicyStatement(&awsiam.PolicyStatementProps{
		Actions:   &[]*string{jsii.String(iamActionManageConnections)},
		Resources: &[]*string{jsii.String(postArn)},
	}))
}

func createCloudWatchAlarms(stack awscdk.Stack, function awslambda.Function, table awsdynamodb.Table) {
	lambdaInvocations := function.MetricInvocations(&awscloudwatch.MetricOptions{
		Period:    awscdk.Duration_Minutes(jsii.Number(1)),
		Statistic: jsii.String("Sum"),
	})
	awscloudwatch.NewAlarm(stack, jsii.String("HighLambdaInvocations"), &awscloudwatch.AlarmProps{
		Metric:            lambdaInvocations,
		Threshold:         jsii.Number(5000),
		EvaluationPeriods: jsii.Number(1),
		AlarmDescription:  jsii.String("Lambda invocations above 5000 per minute"),
	})

	dynamoReadUnits := table.MetricConsumedReadCapacityUnits(&awscloudwatch.MetricOptions{
		Period:    awscdk.Duration_Minutes(jsii.Number(1)),
		Statistic: jsii.String("Sum"),
	})
	awscloudwatch.NewAlarm(stack, jsii.String("HighDynamoReadUnits"), &awscloudwatch.AlarmProps{
		Metric:            dynamoReadUnits,
		Threshold:         jsii.Number(10000),
		EvaluationPeriods: jsii.Number(1),
		AlarmDescription:  jsii.String("Connection table reads above 10000 units per minute; every broadcast scans the table"),
	})

	lambdaErrors := function.MetricErrors(&awscloudwatch.MetricOptions{
		Period:    awscdk.Duration_Minutes(jsii.Number(5)),
		Statistic: jsii.String("Sum"),
	})
	lambdaInvocations5Min := function.MetricInvocations(&awscloudwatch.MetricOptions{
		Period:    awscdk.Duration_Minutes(jsii.Number(5)),
		Statistic: jsii.String("Sum"),
	})
	errorRate := awscloudwatch.NewMathExpression(&awscloudwatch.MathExpressionProps{
		Expression: jsii.String("errors / invocations * 100"),
		UsingMetrics: &map[string]awscloudwatch.IMetric{
			"errors":      lambdaErrors,
			"invocations": lambdaInvocations5Min,
		},
	})
	awscloudwatch.NewAlarm(stack, jsii.String("HighLambdaErrorRate"), &awscloudwatch.AlarmProps{
		Metric:            errorRate,
		Threshold:         jsii.Number(10),
		EvaluationPeriods: jsii.Number(1),
		AlarmDescription:  jsii.String("Lambda error rate above 10%"),
	})
}

func createOutputs(stack awscdk.Stack, api awsapigatewayv2.WebSocketApi) {
	awscdk.NewCfnOutput(stack, jsii.String(resourceNameOutputAPIURL), &awscdk.CfnOutputProps{
		Value:       jsii.String(fmt.Sprintf("%s/%s", *api.ApiEndpoint(), stageName)),
		Description: jsii.String("WebSocket API URL"),
	})
}

func contextString(app awscdk.App, key string) string {
	if v, ok := app.Node().TryGetContext(jsii.String(key)).(string); ok {
		return v
	}
	return ""
}

func main() {
	defer jsii.Close()

	app := awscdk.NewApp(nil)
	NewShelterlinkStack(app, "ShelterlinkStack", &ShelterlinkStackProps{
		JWTSecret:  contextString(app, contextKeyJWTSecret),
		DomainName: contextString(app, contextKeyDomainName),
	})
	app.Synth(nil)
}
