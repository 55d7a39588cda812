package worker

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	shareMessageType = "share"
	// 超过该大小的表单部分落盘到临时文件。
	shareFormMemory = 32 << 20
)

// ShareMessage 是广播给页面的分享内容；没有附件时 File 为 null。
type ShareMessage struct {
	Type  string  `json:"type"`
	Title string  `json:"title"`
	Text  string  `json:"text"`
	URL   string  `json:"url,omitempty"`
	File  *string `json:"file"`
}

// ShareHandler 解析分享表单并广播给所有页面，不等待页面确认。
type ShareHandler struct {
	pages  Pages
	logger *logrus.Entry
}

func NewShareHandler(pages Pages, logger *logrus.Entry) *ShareHandler {
	return &ShareHandler{pages: pages, logger: logger}
}

// Handle 总是返回 204；无法解析的字段按空值处理，读取失败的附件按无附件处理。
func (h *ShareHandler) Handle(ctx context.Context, req Request) *Response {
	msg, err := parseShareForm(req)
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"action": "share",
			"url":    req.URL,
		}).WithError(err).Warn("share form partially unreadable")
	}

	if h.pages != nil && ctx.Err() == nil {
		delivered, err := h.pages.Broadcast(msg, true)
		entry := h.logger.WithFields(logrus.Fields{
			"action":    "share",
			"delivered": delivered,
			"has_file":  msg.File != nil,
		})
		if err != nil {
			entry.WithError(err).Warn("share broadcast incomplete")
		} else {
			entry.Info("share broadcast")
		}
	}

	header := http.Header{}
	header.Set("Cache-Control", "no-store")
	header.Set("Expires", "0")
	return &Response{
		Status: http.StatusNoContent,
		Header: header,
		Source: SourceShare,
	}
}

func parseShareForm(req Request) (ShareMessage, error) {
	msg := ShareMessage{Type: shareMessageType}

	mediaType, params, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if err != nil {
		return msg, fmt.Errorf("parse content type: %w", err)
	}
	if mediaType != "multipart/form-data" {
		return msg, fmt.Errorf("unexpected content type %q", mediaType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return msg, errors.New("multipart boundary missing")
	}

	form, err := multipart.NewReader(bytes.NewReader(req.Body), boundary).ReadForm(shareFormMemory)
	if err != nil {
		return msg, fmt.Errorf("read multipart form: %w", err)
	}
	defer form.RemoveAll()

	msg.Title = firstValue(form.Value["title"])
	msg.Text = firstValue(form.Value["text"])
	msg.URL = firstValue(form.Value["url"])

	file := pickSharedFile(form)
	if file == nil {
		return msg, nil
	}
	dataURL, err := encodeDataURL(file)
	if err != nil {
		return msg, err
	}
	msg.File = &dataURL
	return msg, nil
}

// pickSharedFile 优先使用 file 字段，否则取第一个文件部分。
func pickSharedFile(form *multipart.Form) *multipart.FileHeader {
	if files := form.File["file"]; len(files) > 0 {
		return files[0]
	}
	for _, files := range form.File {
		if len(files) > 0 {
			return files[0]
		}
	}
	return nil
}

func encodeDataURL(header *multipart.FileHeader) (string, error) {
	f, err := header.Open()
	if err != nil {
		return "", fmt.Errorf("open shared file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("read shared file: %w", err)
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(header.Filename))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var b strings.Builder
	b.Grow(len("data:;base64,") + len(contentType) + base64.StdEncoding.EncodedLen(len(data)))
	b.WriteString("data:")
	b.WriteString(contentType)
	b.WriteString(";base64,")
	b.WriteString(base64.StdEncoding.EncodeToString(data))
	return b.String(), nil
}

func firstValue(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
