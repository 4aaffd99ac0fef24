// Package signature 交易所 API 签名工具
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultRecvWindow 默认请求有效窗口
	DefaultRecvWindow = 5 * time.Second
)

// Signer HMAC-SHA256 签名器
type Signer struct {
	secret []byte
}

// NewSigner 创建签名器
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign 对载荷生成十六进制签名
func (s *Signer) Sign(payload string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify 验证签名
func (s *Signer) Verify(payload, signature string) bool {
	expected := s.Sign(payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// SignedQuery 为请求参数追加 timestamp/recvWindow 并生成 signature 参数。
// 交易所按 query string 原文验签，所以参数顺序必须与签名时一致：
// 这里按 key 排序后编码，排序在两侧都是确定的。
func (s *Signer) SignedQuery(params url.Values, now time.Time, recvWindow time.Duration) string {
	if params == nil {
		params = url.Values{}
	}
	if recvWindow <= 0 {
		recvWindow = DefaultRecvWindow
	}
	params.Set("timestamp", strconv.FormatInt(now.UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(recvWindow.Milliseconds(), 10))

	encoded := Encode(params)
	return encoded + "&signature=" + s.Sign(encoded)
}

// Encode 构建规范查询字符串（按 key 排序，同 key 按值排序）
func Encode(params url.Values) string {
	if len(params) == 0 {
		return ""
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		values := params[k]
		sort.Strings(values)
		for _, v := range values {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
