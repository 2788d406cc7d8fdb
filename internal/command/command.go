// Package command holds the editor command model exchanged with the
// collaboration server and persisted in command batches.
package command

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// MetadataPrefix marks commands that only carry document metadata
// (title, selection hints) and never change the model.
const MetadataPrefix = "meta:"

// Command is one editor mutation.
type Command struct {
	Type string         `json:"t" cbor:"t"`
	Data map[string]any `json:"d,omitempty" cbor:"d,omitempty"`
}

// IsMetadata reports whether the command only carries metadata.
func (c Command) IsMetadata() bool {
	return strings.HasPrefix(c.Type, MetadataPrefix)
}

// StripMetadata returns the commands that change the model, in order.
func StripMetadata(cmds []Command) []Command {
	out := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		if !c.IsMetadata() {
			out = append(out, c)
		}
	}
	return out
}

// OnlyMetadata reports whether every command is a metadata command. An empty
// list counts as metadata only.
func OnlyMetadata(cmds []Command) bool {
	for _, c := range cmds {
		if !c.IsMetadata() {
			return false
		}
	}
	return true
}

// Serializer converts commands to and from their stored form.
type Serializer interface {
	Name() string
	Serialize(Command) ([]byte, error)
	Deserialize([]byte) (Command, error)
}

// NewSerializer returns the serializer registered under name.
func NewSerializer(name string) (Serializer, error) {
	switch name {
	case "", "json":
		return JSONSerializer{}, nil
	case "cbor":
		return NewCBORSerializer()
	default:
		return nil, fmt.Errorf("unknown command serializer: %s", name)
	}
}

// SerializeCommands serializes cmds in order.
func SerializeCommands(s Serializer, cmds []Command) ([][]byte, error) {
	out := make([][]byte, 0, len(cmds))
	for i, c := range cmds {
		raw, err := s.Serialize(c)
		if err != nil {
			return nil, fmt.Errorf("serialize command %d (%s): %w", i, c.Type, err)
		}
		out = append(out, raw)
	}
	return out, nil
}

// DeserializeCommands decodes raws in order.
func DeserializeCommands(s Serializer, raws [][]byte) ([]Command, error) {
	out := make([]Command, 0, len(raws))
	for i, raw := range raws {
		c, err := s.Deserialize(raw)
		if err != nil {
			return nil, fmt.Errorf("deserialize command %d: %w", i, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// JSONSerializer stores commands as JSON objects.
type JSONSerializer struct{}

// Name implements Serializer.
func (JSONSerializer) Name() string { return "json" }

// Serialize implements Serializer.
func (JSONSerializer) Serialize(c Command) ([]byte, error) {
	if c.Type == "" {
		return nil, fmt.Errorf("command type is required")
	}
	return json.Marshal(c)
}

// Deserialize implements Serializer.
func (JSONSerializer) Deserialize(raw []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(raw, &c); err != nil {
		return Command{}, err
	}
	if c.Type == "" {
		return Command{}, fmt.Errorf("command type is missing")
	}
	return c, nil
}

// CBORSerializer stores commands as compact CBOR maps.
type CBORSerializer struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORSerializer builds a serializer whose nested maps decode with
// string keys.
func NewCBORSerializer() (*CBORSerializer, error) {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dec, err := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		return nil, err
	}
	return &CBORSerializer{enc: enc, dec: dec}, nil
}

// Name implements Serializer.
func (*CBORSerializer) Name() string { return "cbor" }

// Serialize implements Serializer.
func (s *CBORSerializer) Serialize(c Command) ([]byte, error) {
	if c.Type == "" {
		return nil, fmt.Errorf("command type is required")
	}
	return s.enc.Marshal(c)
}

// Deserialize implements Serializer.
func (s *CBORSerializer) Deserialize(raw []byte) (Command, error) {
	var c Command
	if err := s.dec.Unmarshal(raw, &c); err != nil {
		return Command{}, err
	}
	if c.Type == "" {
		return Command{}, fmt.Errorf("command type is missing")
	}
	return c, nil
}

// EncodeStored serializes cmds into base64 strings suitable for a stored
// JSON value.
func EncodeStored(s Serializer, cmds []Command) ([]any, error) {
	raws, err := SerializeCommands(s, cmds)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(raws))
	for _, raw := range raws {
		out = append(out, base64.StdEncoding.EncodeToString(raw))
	}
	return out, nil
}

// DecodeStored reverses EncodeStored. stored is the decoded JSON field.
func DecodeStored(s Serializer, stored any) ([]Command, error) {
	if stored == nil {
		return nil, nil
	}
	items, ok := stored.([]any)
	if !ok {
		return nil, fmt.Errorf("stored commands have type %T, want list", stored)
	}
	raws := make([][]byte, 0, len(items))
	for i, item := range items {
		str, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("stored command %d has type %T, want string", i, item)
		}
		raw, err := base64.StdEncoding.DecodeString(str)
		if err != nil {
			return nil, fmt.Errorf("stored command %d: %w", i, err)
		}
		raws = append(raws, raw)
	}
	return DeserializeCommands(s, raws)
}
