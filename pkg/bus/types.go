package bus

// InboundKind says what a chat front end wants done with a message.
type InboundKind string

const (
	InboundText    InboundKind = "text"
	InboundAudio   InboundKind = "audio"
	InboundCommand InboundKind = "command"
)

// InboundMessage is one subject message from a chat channel.
type InboundMessage struct {
	Channel  string
	SenderID string
	// UserID is the interview subject the message belongs to, qualified by
	// channel so ids from different networks never collide.
	UserID   string
	ChatID   string
	Kind     InboundKind
	Content  string
	Media    []string
	Metadata map[string]string
}

// OutboundMessage is an interviewer reply addressed to a chat.
type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
	// Ended marks the closing line of a session.
	Ended bool
}
