// internal/mail/parse.go
// 郵件解析 - 將原始郵件拆成標頭區塊與內容結構

package mail

import (
	"bufio"
	"bytes"
	"io"
	"log"
	"strings"

	message "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// Attachment 附件的摘要資訊 (不保留附件內容，轉發時以原始位元組為準)
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
}

// ParsedMessage 解析後的郵件
// Header 保留原始欄位順序，Body 為標頭區塊之後的原始位元組
type ParsedMessage struct {
	Header      textproto.Header
	Body        []byte
	Subject     string
	TextBody    string
	HTMLBody    string
	Attachments []Attachment
}

// Parse 解析原始郵件資料
// 標頭區塊無法解析時退化為純文字處理：整份內容視為郵件本文，
// 標頭留空交由 Normalize 補齊必要欄位
func Parse(raw []byte) (*ParsedMessage, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	header, err := textproto.ReadHeader(br)
	if err != nil {
		log.Printf("[Mail] 標頭解析失敗，以純文字處理: %v", err)
		return &ParsedMessage{
			Header:   textproto.Header{},
			Body:     raw,
			TextBody: string(raw),
		}, nil
	}

	body, err := io.ReadAll(br)
	if err != nil {
		return nil, err
	}

	msg := &ParsedMessage{
		Header: header,
		Body:   body,
	}
	msg.Subject = decodeSubject(header)
	msg.extractParts(raw)

	return msg, nil
}

// Bytes 重新序列化為完整郵件 (標頭區塊 + 空行 + 本文)
func (m *ParsedMessage) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, &m.Header); err != nil {
		return nil, err
	}
	buf.Write(m.Body)
	return buf.Bytes(), nil
}

// HeaderMap 將標頭轉成可序列化的 map (僅供佇列記錄檢視，會遺失欄位順序)
func (m *ParsedMessage) HeaderMap() map[string][]string {
	out := make(map[string][]string)
	fields := m.Header.Fields()
	for fields.Next() {
		key := fields.Key()
		out[key] = append(out[key], fields.Value())
	}
	return out
}

// extractParts 解析 MIME 結構，擷取純文字、HTML 與附件摘要
// 解析失敗不影響轉發，僅記錄結構資訊供活動紀錄使用
func (m *ParsedMessage) extractParts(raw []byte) {
	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		m.TextBody = string(m.Body)
		return
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Printf("[Mail] 解析郵件部分失敗: %v", err)
			continue
		}

		switch h := part.Header.(type) {
		case *gomail.InlineHeader:
			contentType, _, _ := h.ContentType()
			content, _ := io.ReadAll(part.Body)

			if strings.HasPrefix(contentType, "text/plain") && m.TextBody == "" {
				m.TextBody = string(content)
			} else if strings.HasPrefix(contentType, "text/html") && m.HTMLBody == "" {
				m.HTMLBody = string(content)
			}

		case *gomail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			size, _ := io.Copy(io.Discard, part.Body)

			m.Attachments = append(m.Attachments, Attachment{
				Filename:    filename,
				ContentType: contentType,
				SizeBytes:   size,
			})
		}
	}
}

// decodeSubject 取出主旨 (處理 RFC 2047 編碼)
func decodeSubject(header textproto.Header) string {
	mh := gomail.Header{Header: message.Header{Header: header}}
	if subject, err := mh.Subject(); err == nil && subject != "" {
		return subject
	}
	return header.Get("Subject")
}
