package protocol

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

const (
	// CommandTerminator marks the end of a command or response.
	CommandTerminator = ";;"

	// DataMarker separates arguments from data length.
	DataMarker = "--"
)

// VerbRegistry knows which words are verbs and which are sub-verbs, so the
// second word of a command can be told apart from an argument.
type VerbRegistry struct {
	mu    sync.RWMutex
	verbs map[string]struct{}
	subs  map[string]struct{}
}

// NewVerbRegistry returns a registry preloaded with the verbs the daemon and
// the directive channel use.
func NewVerbRegistry() *VerbRegistry {
	vr := &VerbRegistry{verbs: map[string]struct{}{}, subs: map[string]struct{}{}}
	vr.RegisterVerb(VerbNode, VerbSubscribe, VerbPing, VerbInfo, VerbShutdown,
		VerbStart, VerbStop, VerbEvent)
	vr.RegisterSubVerb(SubVerbOff, SubVerbServing, SubVerbConsuming, SubVerbStatus,
		SubVerbInfo, SubVerbError)
	return vr
}

func (vr *VerbRegistry) add(set map[string]struct{}, words []string) {
	vr.mu.Lock()
	defer vr.mu.Unlock()
	for _, w := range words {
		set[strings.ToUpper(w)] = struct{}{}
	}
}

func (vr *VerbRegistry) has(set map[string]struct{}, word string) bool {
	vr.mu.RLock()
	defer vr.mu.RUnlock()
	_, ok := set[strings.ToUpper(word)]
	return ok
}

// RegisterVerb adds verbs. Matching is case-insensitive.
func (vr *VerbRegistry) RegisterVerb(verbs ...string) { vr.add(vr.verbs, verbs) }

// RegisterSubVerb adds sub-verbs.
func (vr *VerbRegistry) RegisterSubVerb(subVerbs ...string) { vr.add(vr.subs, subVerbs) }

// IsValidVerb reports whether verb is registered.
func (vr *VerbRegistry) IsValidVerb(verb string) bool { return vr.has(vr.verbs, verb) }

// IsSubVerb reports whether s is a registered sub-verb.
func (vr *VerbRegistry) IsSubVerb(s string) bool { return vr.has(vr.subs, s) }

// DefaultRegistry is the global verb registry.
var DefaultRegistry = NewVerbRegistry()

// ErrUnknownCommand indicates an unknown command verb was sent.
type ErrUnknownCommand struct {
	Verb string
}

func (e *ErrUnknownCommand) Error() string {
	return "unknown_command:" + e.Verb
}

var (
	// ErrEmpty is returned for a frame with nothing between terminators.
	ErrEmpty = errors.New("empty frame")
	// ErrTruncated is returned when the stream ends inside a frame.
	ErrTruncated = errors.New("unexpected EOF, missing terminator")
)

// Parser reads commands and responses from a stream.
type Parser struct {
	reader   *bufio.Reader
	registry *VerbRegistry
}

// NewParser creates a parser using the default registry.
func NewParser(r io.Reader) *Parser {
	return NewParserWithRegistry(r, DefaultRegistry)
}

// NewParserWithRegistry creates a parser with a custom verb registry.
func NewParserWithRegistry(r io.Reader, registry *VerbRegistry) *Parser {
	return &Parser{
		reader:   bufio.NewReader(r),
		registry: registry,
	}
}

// ParseCommand reads and parses the next command.
func (p *Parser) ParseCommand() (*Command, error) {
	content, err := p.readFrame()
	if err != nil {
		return nil, err
	}

	head, data, err := splitData(content)
	if err != nil {
		return nil, err
	}

	parts := strings.Fields(head)
	if len(parts) == 0 {
		return nil, ErrEmpty
	}

	verb := strings.ToUpper(parts[0])
	if !p.registry.IsValidVerb(verb) {
		return nil, &ErrUnknownCommand{Verb: verb}
	}

	cmd := &Command{Verb: verb, Data: data}
	if len(parts) > 1 {
		if sub := strings.ToUpper(parts[1]); p.registry.IsSubVerb(sub) {
			cmd.SubVerb = sub
			cmd.Args = parts[2:]
		} else {
			cmd.Args = parts[1:]
		}
	}
	return cmd, nil
}

// ParseResponse reads and parses the next response.
func (p *Parser) ParseResponse() (*Response, error) {
	content, err := p.readFrame()
	if err != nil {
		return nil, err
	}

	head, data, err := splitData(content)
	if err != nil {
		return nil, err
	}

	parts := strings.SplitN(head, " ", 3)
	resp := &Response{Type: ResponseType(strings.ToUpper(parts[0]))}

	switch resp.Type {
	case ResponseOK:
		if len(parts) > 1 {
			resp.Message = strings.Join(parts[1:], " ")
		}
	case ResponseErr:
		if len(parts) >= 2 {
			resp.Code = parts[1]
		}
		if len(parts) >= 3 {
			resp.Message = parts[2]
		}
	case ResponsePong:
	case ResponseJSON:
		if data == nil {
			return nil, fmt.Errorf("%s response requires data", resp.Type)
		}
		resp.Data = data
	default:
		return nil, fmt.Errorf("unknown response type: %s", resp.Type)
	}

	return resp, nil
}

// Resync skips to the next terminator after a malformed frame.
func (p *Parser) Resync() error {
	_, err := p.readUntilTerminator()
	return err
}

func (p *Parser) readFrame() (string, error) {
	content, err := p.readUntilTerminator()
	if err != nil {
		return "", err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmpty
	}
	if strings.HasPrefix(content, "{") || strings.HasPrefix(content, "[") {
		return "", errors.New("json_instead_of_command")
	}
	return content, nil
}

// readUntilTerminator returns everything up to the next ";;". A single ';'
// inside a frame is content.
func (p *Parser) readUntilTerminator() (string, error) {
	var sb strings.Builder
	for {
		chunk, err := p.reader.ReadString(CommandTerminator[0])
		sb.WriteString(chunk)
		if err != nil {
			if err == io.EOF && strings.TrimSpace(sb.String()) != "" {
				return "", ErrTruncated
			}
			return "", err
		}
		if got := sb.String(); strings.HasSuffix(got, CommandTerminator) {
			return got[:len(got)-len(CommandTerminator)], nil
		}
	}
}

// splitData separates "HEAD -- LENGTH\nBASE64" into the head and the decoded
// payload. A frame without a data marker returns nil data.
func splitData(content string) (string, []byte, error) {
	idx := strings.Index(content, " "+DataMarker+" ")
	if idx == -1 {
		if strings.HasSuffix(content, " "+DataMarker) {
			return "", nil, errors.New("data marker present but no data length")
		}
		return content, nil, nil
	}

	head := content[:idx]
	rest := content[idx+len(DataMarker)+2:]

	nl := strings.IndexByte(rest, '\n')
	if nl == -1 {
		return "", nil, errors.New("data length without data content (missing newline)")
	}
	length, err := strconv.Atoi(strings.TrimSpace(rest[:nl]))
	if err != nil {
		return "", nil, fmt.Errorf("invalid data length %q: %w", rest[:nl], err)
	}
	encoded := rest[nl+1:]
	if len(encoded) != length {
		return "", nil, fmt.Errorf("data length mismatch: expected %d, got %d", length, len(encoded))
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, fmt.Errorf("invalid base64 data: %w", err)
	}
	return head, data, nil
}

// FormatCommand renders cmd as "VERB [SUB] [ARGS...] [-- LEN\nBASE64];;".
func FormatCommand(cmd *Command) []byte {
	words := make([]string, 0, len(cmd.Args)+2)
	words = append(words, cmd.Verb, cmd.SubVerb)
	words = append(words, cmd.Args...)
	if len(cmd.Data) > 0 {
		encoded := base64.StdEncoding.EncodeToString(cmd.Data)
		words = append(words, DataMarker, strconv.Itoa(len(encoded))+"\n"+encoded)
	}
	return frame(words...)
}

// Writer writes protocol frames. It is safe for concurrent use; each frame
// is written with a single Write call.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter creates a new protocol writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) write(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.w.Write(b)
	return err
}

// WriteOK writes an OK response.
func (w *Writer) WriteOK(message string) error {
	return w.write(FormatOK(message))
}

// WriteErr writes an error response.
func (w *Writer) WriteErr(code ErrorCode, message string) error {
	return w.write(FormatErr(code, message))
}

// WritePong writes a PONG response.
func (w *Writer) WritePong() error {
	return w.write(FormatPong())
}

// WriteJSON writes a JSON response.
func (w *Writer) WriteJSON(data []byte) error {
	return w.write(FormatJSON(data))
}

// WriteCommand writes a command with an optional sub-verb and payload.
func (w *Writer) WriteCommand(verb, subVerb string, args []string, data []byte) error {
	return w.write(FormatCommand(&Command{
		Verb:    verb,
		SubVerb: subVerb,
		Args:    args,
		Data:    data,
	}))
}

// WriteEvent writes an EVENT command carrying payload as JSON.
func (w *Writer) WriteEvent(subVerb string, payload EventPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return w.WriteCommand(VerbEvent, subVerb, nil, data)
}
