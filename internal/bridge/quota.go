package bridge

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// The quota-inspection endpoints of the PKCE vendor's web portal speak a
// compact binary encoding (smithy rpc-v2, CBOR-framed). The portal has also
// been observed answering plain JSON, so the decoder accepts either.

// UsageKind is one normalized quota bucket from the vendor's usage report.
type UsageKind struct {
	Name    string     `json:"name"`
	Used    float64    `json:"used"`
	Limit   float64    `json:"limit"`
	ResetAt *time.Time `json:"resetAt,omitempty"`
}

// UsageSnapshot is the normalized projection of a usage-and-limits response.
type UsageSnapshot struct {
	Subscription string      `json:"subscription,omitempty"`
	NextReset    *time.Time  `json:"nextReset,omitempty"`
	Breakdown    []UsageKind `json:"breakdown"`
}

// EncodeUsageRequest builds the binary request body for the vendor's
// usage-and-limits operation.
func EncodeUsageRequest() []byte {
	var b []byte
	b = appendCBORMapHeader(b, 2)
	b = appendCBORString(b, "origin")
	b = appendCBORString(b, "KIRO_IDE")
	b = appendCBORString(b, "isEmailRequired")
	b = append(b, 0xf4) // false
	return b
}

// DecodeUsageResponse parses a usage-and-limits response body, binary form
// first with a plain-JSON fallback, and normalizes it.
func DecodeUsageResponse(body []byte) (*UsageSnapshot, error) {
	if v, err := decodeCBOR(body); err == nil {
		if snap, err := normalizeUsage(v); err == nil {
			return snap, nil
		}
	}
	var generic interface{}
	if err := json.Unmarshal(body, &generic); err != nil {
		return nil, fmt.Errorf("bridge: usage response is neither cbor nor json: %w", err)
	}
	return normalizeUsage(generic)
}

func normalizeUsage(v interface{}) (*UsageSnapshot, error) {
	root, ok := v.(map[string]interface{})
	if !ok {
		return nil, errors.New("bridge: usage response is not an object")
	}

	snap := &UsageSnapshot{Breakdown: []UsageKind{}}

	if sub, ok := root["subscriptionInfo"].(map[string]interface{}); ok {
		if title, ok := sub["subscriptionTitle"].(string); ok {
			snap.Subscription = title
		}
	}
	if reset := epochToTime(root["nextDateReset"]); reset != nil {
		snap.NextReset = reset
	}

	list, _ := root["usageBreakdownList"].([]interface{})
	for _, item := range list {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := entry["displayName"].(string)
		if name == "" {
			name, _ = entry["resourceType"].(string)
		}
		kind := UsageKind{
			Name:    name,
			Used:    numberField(entry, "currentUsageWithPrecision"),
			Limit:   numberField(entry, "usageLimitWithPrecision"),
			ResetAt: snap.NextReset,
		}
		snap.Breakdown = append(snap.Breakdown, kind)
	}
	return snap, nil
}

func numberField(m map[string]interface{}, key string) float64 {
	switch n := m[key].(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	}
	return 0
}

func epochToTime(v interface{}) *time.Time {
	var secs float64
	switch n := v.(type) {
	case float64:
		secs = n
	case int64:
		secs = float64(n)
	case uint64:
		secs = float64(n)
	default:
		return nil
	}
	if secs <= 0 {
		return nil
	}
	t := time.Unix(int64(secs), 0).UTC()
	return &t
}

// --- minimal CBOR codec ---
//
// The vendor's portal frames its payloads as CBOR maps of strings, numbers,
// booleans, arrays, and nested maps. No CBOR library appears anywhere in
// the dependency surface this project draws from, and the subset below is
// all the wire actually uses, so it is implemented here directly.

func appendCBORMapHeader(b []byte, n int) []byte { return appendCBORHead(b, 5, uint64(n)) }
func appendCBORString(b []byte, s string) []byte {
	b = appendCBORHead(b, 3, uint64(len(s)))
	return append(b, s...)
}

func appendCBORHead(b []byte, major byte, n uint64) []byte {
	switch {
	case n < 24:
		return append(b, major<<5|byte(n))
	case n <= math.MaxUint8:
		return append(b, major<<5|24, byte(n))
	case n <= math.MaxUint16:
		b = append(b, major<<5|25)
		return binary.BigEndian.AppendUint16(b, uint16(n))
	case n <= math.MaxUint32:
		b = append(b, major<<5|26)
		return binary.BigEndian.AppendUint32(b, uint32(n))
	default:
		b = append(b, major<<5|27)
		return binary.BigEndian.AppendUint64(b, n)
	}
}

var errCBORTruncated = errors.New("bridge: truncated cbor")

type cborReader struct {
	data []byte
	pos  int
}

func decodeCBOR(data []byte) (interface{}, error) {
	r := &cborReader{data: data}
	v, err := r.decodeValue()
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (r *cborReader) readByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, errCBORTruncated
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *cborReader) readBytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, errCBORTruncated
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// readArg decodes the length/value argument following a header byte.
// Additional info 31 (indefinite length) is reported via the bool.
func (r *cborReader) readArg(ai byte) (uint64, bool, error) {
	switch {
	case ai < 24:
		return uint64(ai), false, nil
	case ai == 24:
		b, err := r.readByte()
		return uint64(b), false, err
	case ai == 25:
		b, err := r.readBytes(2)
		if err != nil {
			return 0, false, err
		}
		return uint64(binary.BigEndian.Uint16(b)), false, nil
	case ai == 26:
		b, err := r.readBytes(4)
		if err != nil {
			return 0, false, err
		}
		return uint64(binary.BigEndian.Uint32(b)), false, nil
	case ai == 27:
		b, err := r.readBytes(8)
		if err != nil {
			return 0, false, err
		}
		return binary.BigEndian.Uint64(b), false, nil
	case ai == 31:
		return 0, true, nil
	default:
		return 0, false, fmt.Errorf("bridge: reserved cbor additional info %d", ai)
	}
}

func (r *cborReader) decodeValue() (interface{}, error) {
	head, err := r.readByte()
	if err != nil {
		return nil, err
	}
	major := head >> 5
	ai := head & 0x1f

	switch major {
	case 0: // unsigned int
		n, _, err := r.readArg(ai)
		if err != nil {
			return nil, err
		}
		return int64(n), nil
	case 1: // negative int
		n, _, err := r.readArg(ai)
		if err != nil {
			return nil, err
		}
		return -1 - int64(n), nil
	case 2: // byte string
		b, err := r.decodeStringBytes(ai)
		if err != nil {
			return nil, err
		}
		return b, nil
	case 3: // text string
		b, err := r.decodeStringBytes(ai)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case 4: // array
		return r.decodeArray(ai)
	case 5: // map
		return r.decodeMap(ai)
	case 6: // tag: skip the tag number, decode the tagged value
		if _, _, err := r.readArg(ai); err != nil {
			return nil, err
		}
		return r.decodeValue()
	case 7:
		return r.decodeSimple(ai)
	}
	return nil, fmt.Errorf("bridge: unsupported cbor major type %d", major)
}

func (r *cborReader) decodeStringBytes(ai byte) ([]byte, error) {
	n, indef, err := r.readArg(ai)
	if err != nil {
		return nil, err
	}
	if !indef {
		return r.readBytes(int(n))
	}
	// Indefinite-length string: concatenate definite chunks until break.
	var out []byte
	for {
		head, err := r.readByte()
		if err != nil {
			return nil, err
		}
		if head == 0xff {
			return out, nil
		}
		cn, cIndef, err := r.readArg(head & 0x1f)
		if err != nil {
			return nil, err
		}
		if cIndef {
			return nil, errors.New("bridge: nested indefinite cbor string")
		}
		chunk, err := r.readBytes(int(cn))
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
}

func (r *cborReader) decodeArray(ai byte) ([]interface{}, error) {
	n, indef, err := r.readArg(ai)
	if err != nil {
		return nil, err
	}
	out := []interface{}{}
	for i := uint64(0); indef || i < n; i++ {
		if indef {
			if r.pos < len(r.data) && r.data[r.pos] == 0xff {
				r.pos++
				break
			}
		}
		v, err := r.decodeValue()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (r *cborReader) decodeMap(ai byte) (map[string]interface{}, error) {
	n, indef, err := r.readArg(ai)
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{})
	for i := uint64(0); indef || i < n; i++ {
		if indef {
			if r.pos < len(r.data) && r.data[r.pos] == 0xff {
				r.pos++
				break
			}
		}
		k, err := r.decodeValue()
		if err != nil {
			return nil, err
		}
		v, err := r.decodeValue()
		if err != nil {
			return nil, err
		}
		key, ok := k.(string)
		if !ok {
			key = fmt.Sprint(k)
		}
		out[key] = v
	}
	return out, nil
}

func (r *cborReader) decodeSimple(ai byte) (interface{}, error) {
	switch ai {
	case 20:
		return false, nil
	case 21:
		return true, nil
	case 22, 23:
		return nil, nil
	case 25: // half-precision float
		b, err := r.readBytes(2)
		if err != nil {
			return nil, err
		}
		return float64(halfToFloat(binary.BigEndian.Uint16(b))), nil
	case 26:
		b, err := r.readBytes(4)
		if err != nil {
			return nil, err
		}
		return float64(math.Float32frombits(binary.BigEndian.Uint32(b))), nil
	case 27:
		b, err := r.readBytes(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
	default:
		return nil, fmt.Errorf("bridge: unsupported cbor simple value %d", ai)
	}
}

func halfToFloat(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h) & 0x3ff
	switch exp {
	case 0:
		return math.Float32frombits(sign) + float32(frac)*float32(math.Pow(2, -24))*signOf(sign)
	case 31:
		if frac == 0 {
			return math.Float32frombits(sign | 0x7f800000)
		}
		return float32(math.NaN())
	default:
		return math.Float32frombits(sign | (exp+112)<<23 | frac<<13)
	}
}

func signOf(sign uint32) float32 {
	if sign != 0 {
		return -1
	}
	return 1
}
