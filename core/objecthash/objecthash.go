// Package objecthash computes canonical content hashes for marketplace objects.
//
// A hash is computed over a per-kind projection of the object: only the fields
// registered for the kind are kept, required nested objects and lists are filled
// with empty placeholders, unordered lists are sorted, and the result is encoded
// as JSON with sorted keys before being digested with Keccak256. Two objects
// with the same logical content therefore hash identically regardless of key
// order or whether optional substructures were omitted or sent empty.
package objecthash

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Kind names an object type with a registered hashable projection.
type Kind string

const (
	KindListingItem         Kind = "LISTINGITEM"
	KindListingItemTemplate Kind = "LISTINGITEMTEMPLATE"
	KindItemImage           Kind = "ITEMIMAGE"
	KindBid                 Kind = "BID"
	KindProposal            Kind = "PROPOSAL"
	KindProposalOption      Kind = "PROPOSALOPTION"
)

// TimestampField is the key folded into timestamped projections.
const TimestampField = "timestamp"

var (
	// ErrUnknownKind is returned when no field set is registered for a kind.
	ErrUnknownKind = errors.New("objecthash: unknown object kind")
	// ErrEmptyObject is returned when the hashable projection carries no content
	// and a timestamped hash was not requested.
	ErrEmptyObject = errors.New("objecthash: empty hashable projection")
)

// Hash returns the hex encoded Keccak256 digest of the canonical projection of object.
func Hash(object any, kind Kind) (string, error) {
	projection, err := Project(object, kind)
	if err != nil {
		return "", err
	}
	if isEmpty(projection) {
		return "", fmt.Errorf("%w: %s", ErrEmptyObject, kind)
	}
	return digest(projection)
}

// HashTimestamped folds at into the projection before hashing so objects whose
// hashable content is identical (typically placeholders such as fresh templates)
// still receive distinct identities.
func HashTimestamped(object any, kind Kind, at time.Time) (string, error) {
	projection, err := Project(object, kind)
	if err != nil {
		return "", err
	}
	projection[TimestampField] = at.UnixMilli()
	return digest(projection)
}

// Project returns the normalized hashable projection of object for kind. The
// input is never mutated; the returned map is a fresh value.
func Project(object any, kind Kind) (map[string]any, error) {
	fields, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	generic, err := toGeneric(object)
	if err != nil {
		return nil, fmt.Errorf("objecthash: decode %s: %w", kind, err)
	}
	return project(generic, fields), nil
}

// Canonical returns the canonical JSON encoding of the projection of object.
func Canonical(object any, kind Kind) ([]byte, error) {
	projection, err := Project(object, kind)
	if err != nil {
		return nil, err
	}
	return json.Marshal(projection)
}

func digest(projection map[string]any) (string, error) {
	encoded, err := json.Marshal(projection)
	if err != nil {
		return "", fmt.Errorf("objecthash: encode: %w", err)
	}
	return hex.EncodeToString(ethcrypto.Keccak256(encoded)), nil
}

// toGeneric round-trips object through JSON which both deep-copies it and
// turns structs into maps keyed by their JSON names.
func toGeneric(object any) (map[string]any, error) {
	if object == nil {
		return map[string]any{}, nil
	}
	raw, ok := object.(json.RawMessage)
	if !ok {
		encoded, err := json.Marshal(object)
		if err != nil {
			return nil, err
		}
		raw = encoded
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	switch typed := out.(type) {
	case map[string]any:
		return typed, nil
	case nil:
		return map[string]any{}, nil
	default:
		return nil, fmt.Errorf("expected object, got %T", out)
	}
}

func project(src map[string]any, fields []field) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		value := src[f.name]
		switch f.shape {
		case shapeScalar:
			if v, ok := scalar(value); ok {
				out[f.name] = v
			}
		case shapeObject:
			child, _ := value.(map[string]any)
			out[f.name] = project(child, f.children)
		case shapeList:
			out[f.name] = projectList(value, f)
		}
	}
	return out
}

func projectList(value any, f field) []any {
	items, _ := value.([]any)
	out := make([]any, 0, len(items))
	for _, item := range items {
		if f.children != nil {
			child, ok := item.(map[string]any)
			if !ok {
				continue
			}
			projected := project(child, f.children)
			if isEmpty(projected) {
				continue
			}
			out = append(out, projected)
			continue
		}
		if v, ok := scalar(item); ok {
			out = append(out, v)
		}
	}
	if f.unordered && len(out) > 1 {
		keys := make([]string, len(out))
		for i, item := range out {
			encoded, _ := json.Marshal(item)
			keys[i] = string(encoded)
		}
		sort.Sort(byKey{items: out, keys: keys})
	}
	return out
}

// scalar drops absent and blank values so that "" and a missing key hash the same.
func scalar(value any) (any, bool) {
	switch v := value.(type) {
	case nil:
		return nil, false
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, false
		}
		return v, true
	case json.Number, bool, float64:
		return v, true
	case map[string]any, []any:
		// structured values are only hashed through registered shapes
		return nil, false
	default:
		return v, true
	}
}

func isEmpty(value any) bool {
	switch v := value.(type) {
	case map[string]any:
		for _, child := range v {
			if !isEmpty(child) {
				return false
			}
		}
		return true
	case []any:
		return len(v) == 0
	case nil:
		return true
	default:
		return false
	}
}

type byKey struct {
	items []any
	keys  []string
}

func (b byKey) Len() int           { return len(b.items) }
func (b byKey) Less(i, j int) bool { return b.keys[i] < b.keys[j] }
func (b byKey) Swap(i, j int) {
	b.items[i], b.items[j] = b.items[j], b.items[i]
	b.keys[i], b.keys[j] = b.keys[j], b.keys[i]
}
