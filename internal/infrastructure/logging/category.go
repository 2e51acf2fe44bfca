package logging

type Category string
type SubCategory string
type ExtraKey string

const (
	General         Category = "General"
	IO              Category = "IO"
	Internal        Category = "Internal"
	Redis           Category = "Redis"
	RabbitMQ        Category = "RabbitMQ"
	NATS            Category = "NATS"
	MongoDB         Category = "MongoDB"
	Validation      Category = "Validation"
	RequestResponse Category = "RequestResponse"
	Prometheus      Category = "Prometheus"
	WebSocket       Category = "WebSocket"
	Matchmaking     Category = "Matchmaking"
	Scheduler       Category = "Scheduler"
)

const (
	// General
	Startup         SubCategory = "Startup"
	Shutdown        SubCategory = "Shutdown"
	RateLimiting    SubCategory = "RateLimiting"
	ExternalService SubCategory = "ExternalService"

	// WebSocket
	Connect    SubCategory = "Connect"
	Disconnect SubCategory = "Disconnect"
	Relay      SubCategory = "Relay"

	// Matchmaking
	Assignment SubCategory = "Assignment"
	Reshuffle  SubCategory = "Reshuffle"
	Grace      SubCategory = "Grace"
	Resources  SubCategory = "Resources"

	// Events
	Publish SubCategory = "Publish"
	Consume SubCategory = "Consume"
)

const (
	AppName      ExtraKey = "AppName"
	LoggerName   ExtraKey = "Logger"
	ClientIp     ExtraKey = "ClientIp"
	HostIp       ExtraKey = "HostIp"
	Method       ExtraKey = "Method"
	StatusCode   ExtraKey = "StatusCode"
	BodySize     ExtraKey = "BodySize"
	Path         ExtraKey = "Path"
	Latency      ExtraKey = "Latency"
	RequestBody  ExtraKey = "RequestBody"
	ResponseBody ExtraKey = "ResponseBody"
	ErrorMessage ExtraKey = "ErrorMessage"

	ConnID      ExtraKey = "ConnID"
	RoomID      ExtraKey = "RoomID"
	RoomCount   ExtraKey = "RoomCount"
	MemberCount ExtraKey = "MemberCount"
	NextAt      ExtraKey = "NextAt"
	Duration    ExtraKey = "Duration"
	EventType   ExtraKey = "EventType"
	RoutingKey  ExtraKey = "RoutingKey"
	Reason      ExtraKey = "Reason"
	Mode        ExtraKey = "Mode"
)
