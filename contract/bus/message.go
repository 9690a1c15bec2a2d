package bus

// Message is an inbound message as delivered by a Subscription.
// Headers is nil when the transport carried none.
type Message struct {
	Subject string
	Data    []byte
	Headers map[string]string
}

// Header returns the header value for key or "" when absent.
func (m Message) Header(key string) string {
	if m.Headers == nil {
		return ""
	}

	return m.Headers[key]
}
