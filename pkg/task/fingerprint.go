package task

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// Fingerprint derives a deterministic key from the executor identity and its
// normalized input. Map keys are sorted and strings are NFC-normalized so
// equivalent inputs from different producers collapse to one key.
func Fingerprint(executorRef string, input map[string]interface{}) string {
	h := sha256.New()
	h.Write([]byte(norm.NFC.String(executorRef)))
	h.Write([]byte{0})
	writeCanonical(h, input)
	return hex.EncodeToString(h.Sum(nil))
}

type byteWriter interface {
	Write(p []byte) (int, error)
}

func writeCanonical(w byteWriter, v interface{}) {
	switch val := v.(type) {
	case nil:
		w.Write([]byte("n"))
	case bool:
		if val {
			w.Write([]byte("t"))
		} else {
			w.Write([]byte("f"))
		}
	case string:
		writeString(w, norm.NFC.String(val))
	case float64:
		writeNumber(w, val)
	case float32:
		writeNumber(w, float64(val))
	case int:
		writeNumber(w, float64(val))
	case int32:
		writeNumber(w, float64(val))
	case int64:
		writeNumber(w, float64(val))
	case uint:
		writeNumber(w, float64(val))
	case uint64:
		writeNumber(w, float64(val))
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		w.Write([]byte("{"))
		for _, k := range keys {
			writeString(w, norm.NFC.String(k))
			writeCanonical(w, val[k])
		}
		w.Write([]byte("}"))
	case []interface{}:
		w.Write([]byte("["))
		for _, item := range val {
			writeCanonical(w, item)
		}
		w.Write([]byte("]"))
	case []string:
		w.Write([]byte("["))
		for _, item := range val {
			writeString(w, norm.NFC.String(item))
		}
		w.Write([]byte("]"))
	default:
		writeString(w, fmt.Sprintf("%T:%v", val, val))
	}
}

func writeString(w byteWriter, s string) {
	w.Write([]byte("s" + strconv.Itoa(len(s)) + ":"))
	w.Write([]byte(s))
}

// Numbers are encoded through float64 so 1 and 1.0 collide, as they do after a
// JSON round trip.
func writeNumber(w byteWriter, f float64) {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		w.Write([]byte("d" + strconv.FormatInt(int64(f), 10) + ";"))
		return
	}
	w.Write([]byte("d" + strconv.FormatFloat(f, 'g', -1, 64) + ";"))
}
