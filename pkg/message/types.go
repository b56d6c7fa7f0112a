package message

// Command identifies the operation a Message carries, encoded in 4 bits.
// Ordinal 0 is PING, matching the header round-trip scenario in the spec.
type Command uint8

const (
	CommandPing Command = iota
	CommandPut
	CommandGet
	CommandAdd
	CommandRemove
	CommandNeighbor
	CommandQuit
	CommandDirectData
	CommandPutMeta
	CommandPeerExchange
	CommandDigest
	CommandBroadcast
	CommandTrackerAdd
	CommandTrackerGet
	CommandRelay
	CommandRcon
)

var commandNames = [...]string{
	"PING", "PUT", "GET", "ADD", "REMOVE", "NEIGHBOR", "QUIT", "DIRECT_DATA",
	"PUT_META", "PEX", "DIGEST", "BROADCAST", "TRACKER_ADD", "TRACKER_GET",
	"RELAY", "RCON",
}

func (c Command) String() string {
	if int(c) < len(commandNames) {
		return commandNames[c]
	}
	return "UNKNOWN_COMMAND"
}

// Valid reports whether c is one of the 16 named commands.
func (c Command) Valid() bool { return int(c) < len(commandNames) }

// Type identifies the kind of a Message, encoded in 4 bits. Ordinal 0 is
// REQUEST_1, matching the header round-trip scenario in the spec.
type Type uint8

const (
	TypeRequest1 Type = iota
	TypeRequest2
	TypeRequest3
	TypeRequest4
	TypeRequestFF1
	TypeRequestFF2
	TypeRequestFF3
	TypeRequestFF4
	TypeOK
	TypePartiallyOK
	TypeNotFound
	TypeDenied
	TypeOKMoreData
	TypeDeniedMoreData
	TypeException
	TypeUnknownID
)

var typeNames = [...]string{
	"REQUEST_1", "REQUEST_2", "REQUEST_3", "REQUEST_4",
	"REQUEST_FF_1", "REQUEST_FF_2", "REQUEST_FF_3", "REQUEST_FF_4",
	"OK", "PARTIALLY_OK", "NOT_FOUND", "DENIED",
	"OK_MORE_DATA", "DENIED_MORE_DATA", "EXCEPTION", "UNKNOWN_ID",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "UNKNOWN_TYPE"
}

// Valid reports whether t is one of the 16 named types.
func (t Type) Valid() bool { return int(t) < len(typeNames) }

// IsRequest reports whether t is one of the REQUEST_* or REQUEST_FF_* types.
func (t Type) IsRequest() bool { return t <= TypeRequestFF4 }

// IsFireAndForget reports whether t is one of the REQUEST_FF_* types,
// which expect no response.
func (t Type) IsFireAndForget() bool { return t >= TypeRequestFF1 && t <= TypeRequestFF4 }

// Content identifies the payload type carried in one of a Message's four
// content slots, encoded in 4 bits.
type Content uint8

const (
	ContentEmpty Content = iota
	ContentKey
	ContentKeyKey
	ContentMapKeyData
	ContentMapKeyKey
	ContentSetKeys
	ContentSetNeighbors
	ContentChannelBuffer
	ContentLong
	ContentInteger
	ContentMapPeerData
	ContentPublicKey
	ContentPublicKeySignature
	ContentReserved1
	ContentReserved2
	ContentReserved3
)

var contentNames = [...]string{
	"EMPTY", "KEY", "KEY_KEY", "MAP_KEY_DATA", "MAP_KEY_KEY", "SET_KEYS",
	"SET_NEIGHBORS", "CHANNEL_BUFFER", "LONG", "INTEGER", "MAP_PEER_DATA",
	"PUBLIC_KEY", "PUBLIC_KEY_SIGNATURE", "RESERVED1", "RESERVED2", "RESERVED3",
}

func (c Content) String() string {
	if int(c) < len(contentNames) {
		return contentNames[c]
	}
	return "UNKNOWN_CONTENT"
}
