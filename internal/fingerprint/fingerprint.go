// Package fingerprint derives the cache key of a proxied request.
//
// A fingerprint is the hex SHA-256 of a length-prefixed encoding of the
// upper-cased method, the absolute target URL, the forwarded headers sorted by
// lower-cased name and the SHA-256 of the body. Every field is length-prefixed
// so that no two distinct tuples share an encoding.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// scheme 标记编码版本，编码规则变化时需要递增，旧缓存自然失效。
const scheme = "cthulhu-fp-v1"

// Fingerprint 是 64 位十六进制字符串，可以安全地作为存储键的一部分。
type Fingerprint string

func (f Fingerprint) String() string {
	return string(f)
}

// FilterHeaders 去掉保留前缀的控制头与入站 Host 头，其余头原样保留（值顺序不变）。
// reservedPrefix 按大小写不敏感匹配。
func FilterHeaders(h http.Header, reservedPrefix string) http.Header {
	prefix := strings.ToLower(reservedPrefix)
	out := make(http.Header, len(h))
	for name, values := range h {
		lower := strings.ToLower(name)
		if lower == "host" {
			continue
		}
		if prefix != "" && strings.HasPrefix(lower, prefix) {
			continue
		}
		out[name] = append([]string(nil), values...)
	}
	return out
}

// Build 计算请求指纹。纯函数，不做任何 I/O。
func Build(method, targetURL string, headers http.Header, body []byte) Fingerprint {
	h := sha256.New()
	writeField(h, scheme)
	writeField(h, strings.ToUpper(method))
	writeField(h, targetURL)

	// 同名头在 http.Header 中可能以不同大小写出现，按原始键名排序后再按小写名合并，
	// 合并后的值顺序与 map 遍历顺序无关。
	keys := make([]string, 0, len(headers))
	for name := range headers {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	merged := make(map[string][]string, len(headers))
	for _, name := range keys {
		lower := strings.ToLower(name)
		merged[lower] = append(merged[lower], headers[name]...)
	}
	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)

	writeField(h, strconv.Itoa(len(names)))
	for _, name := range names {
		values := merged[name]
		writeField(h, name)
		writeField(h, strconv.Itoa(len(values)))
		for _, value := range values {
			writeField(h, value)
		}
	}

	bodySum := sha256.Sum256(body)
	writeField(h, hex.EncodeToString(bodySum[:]))

	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

func writeField(h hash.Hash, value string) {
	h.Write([]byte(strconv.Itoa(len(value))))
	h.Write([]byte{':'})
	h.Write([]byte(value))
	h.Write([]byte{'\n'})
}
