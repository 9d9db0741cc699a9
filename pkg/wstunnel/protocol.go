package wstunnel

// ProtocolVersion is the WebSocket subprotocol token spoken by this
// version of the tunnel. A server refuses clients that do not offer it; a
// client refuses servers that do not select it.
const ProtocolVersion = "wsmux-v1"

// PSKHeader carries the optional pre-shared key on the upgrade request.
// A server configured with a PSK answers requests lacking the correct key
// exactly like any other non-tunnel HTTP request, so probing the endpoint
// reveals nothing.
const PSKHeader = "X-Wsmux-PSK"
