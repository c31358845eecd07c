package bridge

import (
	"encoding/binary"
	"math"
	"testing"
)

func appendCBORFloat(b []byte, f float64) []byte {
	b = append(b, 0xfb)
	return binary.BigEndian.AppendUint64(b, math.Float64bits(f))
}

func TestEncodeUsageRequestRoundTrips(t *testing.T) {
	body := EncodeUsageRequest()
	v, err := decodeCBOR(body)
	if err != nil {
		t.Fatalf("decodeCBOR: %v", err)
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		t.Fatalf("decoded %T, want map", v)
	}
	if m["origin"] != "KIRO_IDE" {
		t.Fatalf("origin = %v", m["origin"])
	}
	if m["isEmailRequired"] != false {
		t.Fatalf("isEmailRequired = %v", m["isEmailRequired"])
	}
}

func TestDecodeUsageResponseBinary(t *testing.T) {
	var b []byte
	b = appendCBORMapHeader(b, 3)
	b = appendCBORString(b, "usageBreakdownList")
	b = appendCBORHead(b, 4, 1) // array of one entry
	b = appendCBORMapHeader(b, 3)
	b = appendCBORString(b, "displayName")
	b = appendCBORString(b, "Credit")
	b = appendCBORString(b, "currentUsageWithPrecision")
	b = appendCBORFloat(b, 21.72)
	b = appendCBORString(b, "usageLimitWithPrecision")
	b = appendCBORFloat(b, 50)
	b = appendCBORString(b, "subscriptionInfo")
	b = appendCBORMapHeader(b, 1)
	b = appendCBORString(b, "subscriptionTitle")
	b = appendCBORString(b, "KIRO FREE")
	b = appendCBORString(b, "nextDateReset")
	b = appendCBORFloat(b, 1772323200)

	snap, err := DecodeUsageResponse(b)
	if err != nil {
		t.Fatalf("DecodeUsageResponse: %v", err)
	}
	if snap.Subscription != "KIRO FREE" {
		t.Fatalf("subscription = %q", snap.Subscription)
	}
	if snap.NextReset == nil || snap.NextReset.Unix() != 1772323200 {
		t.Fatalf("nextReset = %v", snap.NextReset)
	}
	if len(snap.Breakdown) != 1 {
		t.Fatalf("breakdown: %+v", snap.Breakdown)
	}
	kind := snap.Breakdown[0]
	if kind.Name != "Credit" || kind.Used != 21.72 || kind.Limit != 50 {
		t.Fatalf("kind: %+v", kind)
	}
}

func TestDecodeUsageResponseJSONFallback(t *testing.T) {
	body := []byte(`{
		"usageBreakdownList": [
			{"resourceType": "CREDIT", "currentUsageWithPrecision": 1.5, "usageLimitWithPrecision": 10}
		],
		"subscriptionInfo": {"subscriptionTitle": "KIRO PRO"}
	}`)
	snap, err := DecodeUsageResponse(body)
	if err != nil {
		t.Fatalf("DecodeUsageResponse: %v", err)
	}
	if snap.Subscription != "KIRO PRO" {
		t.Fatalf("subscription = %q", snap.Subscription)
	}
	if len(snap.Breakdown) != 1 || snap.Breakdown[0].Name != "CREDIT" || snap.Breakdown[0].Limit != 10 {
		t.Fatalf("breakdown: %+v", snap.Breakdown)
	}
}

func TestDecodeUsageResponseGarbage(t *testing.T) {
	if _, err := DecodeUsageResponse([]byte("not a body at all {{")); err == nil {
		t.Fatal("expected an error for a body that is neither binary nor JSON")
	}
}
