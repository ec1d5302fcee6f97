// Package sshmsg defines the SSH protocol message identifiers, disconnect
// reason codes and channel open failure codes from RFC 4250.
package sshmsg

import "fmt"

// Message is an SSH packet type identifier, the first byte of every payload.
type Message byte

// Message identifiers (RFC 4250 §4.1.2). Codes 30-49 are reserved for the
// key-exchange method in use and codes 60-79 for the authentication method
// in use, so several wire meanings share one constant here.
const (
	Disconnect     Message = 1
	Ignore         Message = 2
	Unimplemented  Message = 3
	Debug          Message = 4
	ServiceRequest Message = 5
	ServiceAccept  Message = 6

	KexInit Message = 20
	NewKeys Message = 21

	KexDHInit  Message = 30
	KexDHReply Message = 31

	KexDHGexInit    Message = 32
	KexDHGexReply   Message = 33
	KexDHGexRequest Message = 34

	UserAuthRequest Message = 50
	UserAuthFailure Message = 51
	UserAuthSuccess Message = 52
	UserAuthBanner  Message = 53

	// UserAuth60 is SSH_MSG_USERAUTH_PASSWD_CHANGEREQ, SSH_MSG_USERAUTH_PK_OK
	// or SSH_MSG_USERAUTH_INFO_REQUEST depending on the method in flight.
	UserAuth60           Message = 60
	UserAuthInfoResponse Message = 61

	GlobalRequest  Message = 80
	RequestSuccess Message = 81
	RequestFailure Message = 82

	ChannelOpen             Message = 90
	ChannelOpenConfirmation Message = 91
	ChannelOpenFailure      Message = 92
	ChannelWindowAdjust     Message = 93
	ChannelData             Message = 94
	ChannelExtendedData     Message = 95
	ChannelEOF              Message = 96
	ChannelClose            Message = 97
	ChannelRequest          Message = 98
	ChannelSuccess          Message = 99
	ChannelFailure          Message = 100
)

var messageNames = map[Message]string{
	Disconnect:              "SSH_MSG_DISCONNECT",
	Ignore:                  "SSH_MSG_IGNORE",
	Unimplemented:           "SSH_MSG_UNIMPLEMENTED",
	Debug:                   "SSH_MSG_DEBUG",
	ServiceRequest:          "SSH_MSG_SERVICE_REQUEST",
	ServiceAccept:           "SSH_MSG_SERVICE_ACCEPT",
	KexInit:                 "SSH_MSG_KEXINIT",
	NewKeys:                 "SSH_MSG_NEWKEYS",
	KexDHInit:               "SSH_MSG_KEXDH_INIT",
	KexDHReply:              "SSH_MSG_KEXDH_REPLY",
	KexDHGexInit:            "SSH_MSG_KEX_DH_GEX_INIT",
	KexDHGexReply:           "SSH_MSG_KEX_DH_GEX_REPLY",
	KexDHGexRequest:         "SSH_MSG_KEX_DH_GEX_REQUEST",
	UserAuthRequest:         "SSH_MSG_USERAUTH_REQUEST",
	UserAuthFailure:         "SSH_MSG_USERAUTH_FAILURE",
	UserAuthSuccess:         "SSH_MSG_USERAUTH_SUCCESS",
	UserAuthBanner:          "SSH_MSG_USERAUTH_BANNER",
	UserAuth60:              "SSH_MSG_USERAUTH_60",
	UserAuthInfoResponse:    "SSH_MSG_USERAUTH_INFO_RESPONSE",
	GlobalRequest:           "SSH_MSG_GLOBAL_REQUEST",
	RequestSuccess:          "SSH_MSG_REQUEST_SUCCESS",
	RequestFailure:          "SSH_MSG_REQUEST_FAILURE",
	ChannelOpen:             "SSH_MSG_CHANNEL_OPEN",
	ChannelOpenConfirmation: "SSH_MSG_CHANNEL_OPEN_CONFIRMATION",
	ChannelOpenFailure:      "SSH_MSG_CHANNEL_OPEN_FAILURE",
	ChannelWindowAdjust:     "SSH_MSG_CHANNEL_WINDOW_ADJUST",
	ChannelData:             "SSH_MSG_CHANNEL_DATA",
	ChannelExtendedData:     "SSH_MSG_CHANNEL_EXTENDED_DATA",
	ChannelEOF:              "SSH_MSG_CHANNEL_EOF",
	ChannelClose:            "SSH_MSG_CHANNEL_CLOSE",
	ChannelRequest:          "SSH_MSG_CHANNEL_REQUEST",
	ChannelSuccess:          "SSH_MSG_CHANNEL_SUCCESS",
	ChannelFailure:          "SSH_MSG_CHANNEL_FAILURE",
}

func (m Message) String() string {
	if name, ok := messageNames[m]; ok {
		return name
	}
	return fmt.Sprintf("SSH_MSG_%d", byte(m))
}

// InRange reports whether m lies in [lo, hi] inclusive.
func (m Message) InRange(lo, hi Message) bool {
	return m >= lo && m <= hi
}

// IsKex reports whether m belongs to the algorithm-negotiation and
// key-exchange message space (20..49), which must never be routed to a
// service.
func (m Message) IsKex() bool {
	return m >= KexInit && m <= 49
}

// DisconnectReason is an SSH_MSG_DISCONNECT reason code (RFC 4250 §4.2.2).
type DisconnectReason uint32

const (
	DisconnectHostNotAllowedToConnect    DisconnectReason = 1
	DisconnectProtocolError              DisconnectReason = 2
	DisconnectKeyExchangeFailed          DisconnectReason = 3
	DisconnectHostAuthenticationFailed   DisconnectReason = 4
	DisconnectMACError                   DisconnectReason = 5
	DisconnectCompressionError           DisconnectReason = 6
	DisconnectServiceNotAvailable        DisconnectReason = 7
	DisconnectProtocolVersionUnsupported DisconnectReason = 8
	DisconnectHostKeyNotVerifiable       DisconnectReason = 9
	DisconnectConnectionLost             DisconnectReason = 10
	DisconnectByApplication              DisconnectReason = 11
	DisconnectTooManyConnections         DisconnectReason = 12
	DisconnectAuthCancelledByUser        DisconnectReason = 13
	DisconnectNoMoreAuthMethods          DisconnectReason = 14
	DisconnectIllegalUserName            DisconnectReason = 15
)

var reasonNames = map[DisconnectReason]string{
	DisconnectHostNotAllowedToConnect:    "HOST_NOT_ALLOWED_TO_CONNECT",
	DisconnectProtocolError:              "PROTOCOL_ERROR",
	DisconnectKeyExchangeFailed:          "KEY_EXCHANGE_FAILED",
	DisconnectHostAuthenticationFailed:   "HOST_AUTHENTICATION_FAILED",
	DisconnectMACError:                   "MAC_ERROR",
	DisconnectCompressionError:           "COMPRESSION_ERROR",
	DisconnectServiceNotAvailable:        "SERVICE_NOT_AVAILABLE",
	DisconnectProtocolVersionUnsupported: "PROTOCOL_VERSION_NOT_SUPPORTED",
	DisconnectHostKeyNotVerifiable:       "HOST_KEY_NOT_VERIFIABLE",
	DisconnectConnectionLost:             "CONNECTION_LOST",
	DisconnectByApplication:              "BY_APPLICATION",
	DisconnectTooManyConnections:         "TOO_MANY_CONNECTIONS",
	DisconnectAuthCancelledByUser:        "AUTH_CANCELLED_BY_USER",
	DisconnectNoMoreAuthMethods:          "NO_MORE_AUTH_METHODS_AVAILABLE",
	DisconnectIllegalUserName:            "ILLEGAL_USER_NAME",
}

func (r DisconnectReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("DISCONNECT_%d", uint32(r))
}

// Channel open failure reason codes (RFC 4250 §4.3).
const (
	OpenAdministrativelyProhibited uint32 = 1
	OpenConnectFailed              uint32 = 2
	OpenUnknownChannelType         uint32 = 3
	OpenResourceShortage           uint32 = 4
)
