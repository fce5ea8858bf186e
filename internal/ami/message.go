// Package ami speaks the switch management interface: a line-oriented TCP
// protocol of "Key: Value" lines where a blank line ends a message. Actions
// carry an ActionID that the switch echoes in its Response; unsolicited
// events arrive on the same connection and are told apart by an Event key.
package ami

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// maxFields bounds a single message so a runaway peer cannot grow it forever.
const maxFields = 4096

// Field is one "Key: Value" line.
type Field struct {
	Key   string
	Value string
}

// Message is an ordered list of fields. Keys compare case-insensitively and
// may repeat (Originate sends one Variable line per variable).
type Message struct {
	fields []Field
}

func NewMessage(fields ...Field) *Message {
	return &Message{fields: fields}
}

// NewAction starts an action message.
func NewAction(name string) *Message {
	return NewMessage(Field{Key: "Action", Value: name})
}

// Get returns the first value for key, or "".
func (m *Message) Get(key string) string {
	for _, f := range m.fields {
		if strings.EqualFold(f.Key, key) {
			return f.Value
		}
	}
	return ""
}

func (m *Message) Has(key string) bool {
	for _, f := range m.fields {
		if strings.EqualFold(f.Key, key) {
			return true
		}
	}
	return false
}

// All returns every value for key in order.
func (m *Message) All(key string) []string {
	var out []string
	for _, f := range m.fields {
		if strings.EqualFold(f.Key, key) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Set replaces the first value for key, or appends it.
func (m *Message) Set(key, value string) *Message {
	for i, f := range m.fields {
		if strings.EqualFold(f.Key, key) {
			m.fields[i].Value = value
			return m
		}
	}
	return m.Add(key, value)
}

// Add appends a field even if key is already present.
func (m *Message) Add(key, value string) *Message {
	m.fields = append(m.fields, Field{Key: key, Value: value})
	return m
}

func (m *Message) Fields() []Field {
	out := make([]Field, len(m.fields))
	copy(out, m.fields)
	return out
}

func (m *Message) ActionID() string { return m.Get("ActionID") }

func (m *Message) IsEvent() bool { return m.Has("Event") }

func (m *Message) IsResponse() bool { return m.Has("Response") }

// Success reports a "Response: Success" (or the "Follows" of a command).
func (m *Message) Success() bool {
	r := m.Get("Response")
	return strings.EqualFold(r, "Success") || strings.EqualFold(r, "Follows") || strings.EqualFold(r, "Goodbye")
}

// Encode renders the message in wire form, CRLF-terminated with a trailing
// blank line.
func (m *Message) Encode() []byte {
	var b bytes.Buffer
	for _, f := range m.fields {
		b.WriteString(f.Key)
		b.WriteString(": ")
		b.WriteString(sanitize(f.Value))
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

func (m *Message) String() string {
	parts := make([]string, 0, len(m.fields))
	for _, f := range m.fields {
		parts = append(parts, f.Key+"="+f.Value)
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// sanitize keeps a value on one line.
func sanitize(v string) string {
	if !strings.ContainsAny(v, "\r\n") {
		return v
	}
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}

// ErrMessageTooLarge is returned when a message exceeds maxFields lines.
var ErrMessageTooLarge = errors.New("ami message too large")

// Reader frames messages off a byte stream. It accepts CRLF or bare LF line
// endings.
type Reader struct {
	br *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

func (r *Reader) readLine() (string, error) {
	line, err := r.br.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ReadBanner reads the single greeting line sent on connect, e.g.
// "Asterisk Call Manager/5.0.1".
func (r *Reader) ReadBanner() (string, error) {
	line, err := r.readLine()
	if err != nil {
		return "", fmt.Errorf("read banner: %w", err)
	}
	return line, nil
}

// ReadMessage returns the next complete message. Leading blank lines are
// skipped. A line without a colon is kept under the key "Output".
func (r *Reader) ReadMessage() (*Message, error) {
	m := &Message{}
	for {
		line, err := r.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) && len(m.fields) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if line == "" {
			if len(m.fields) == 0 {
				continue
			}
			return m, nil
		}
		if len(m.fields) >= maxFields {
			return nil, ErrMessageTooLarge
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			m.fields = append(m.fields, Field{Key: "Output", Value: line})
			continue
		}
		m.fields = append(m.fields, Field{Key: strings.TrimSpace(key), Value: strings.TrimSpace(value)})
	}
}
