package wgshare

// ProtocolVersion is offered as the WebSocket subprotocol and reported by /version
var ProtocolVersion = "wsgate-v1"

// BuildVersion is set at build time with -ldflags "-X github.com/sammck-go/wsgate/share.BuildVersion=..."
var BuildVersion = "0.0.0-src"
