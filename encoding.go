package vendorbridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"sort"
	"strings"
)

// BodyEncoding selects how Request.Body is serialized.
type BodyEncoding string

const (
	EncodingJSON      BodyEncoding = "json"
	EncodingForm      BodyEncoding = "form"
	EncodingMultipart BodyEncoding = "multipart"
	EncodingRaw       BodyEncoding = "raw"
)

// FilePart is one file of a multipart upload.
type FilePart struct {
	Field       string
	Filename    string
	ContentType string
	Content     []byte
}

// encodedBody is serialized once and replayed for every attempt.
type encodedBody struct {
	data        []byte
	contentType string
}

func (b *encodedBody) reader() io.Reader {
	if b == nil {
		return nil
	}
	return bytes.NewReader(b.data)
}

func encodeBody(req *Request) (*encodedBody, error) {
	if req.Body == nil && len(req.Files) == 0 {
		return nil, nil
	}
	enc := req.Encoding
	if enc == "" {
		enc = EncodingJSON
		if len(req.Files) > 0 {
			enc = EncodingMultipart
		}
	}

	switch enc {
	case EncodingJSON:
		var data []byte
		switch v := req.Body.(type) {
		case json.RawMessage:
			data = v
		case []byte:
			data = v
		default:
			var err error
			if data, err = json.Marshal(v); err != nil {
				return nil, fmt.Errorf("marshal json body: %w", err)
			}
		}
		return &encodedBody{data: data, contentType: "application/json"}, nil

	case EncodingForm:
		values, err := formValues(req.Body)
		if err != nil {
			return nil, err
		}
		return &encodedBody{data: []byte(values.Encode()), contentType: "application/x-www-form-urlencoded"}, nil

	case EncodingMultipart:
		return encodeMultipart(req.Body, req.Files)

	case EncodingRaw:
		ct := "application/octet-stream"
		if req.Header != nil && req.Header.Get("Content-Type") != "" {
			ct = req.Header.Get("Content-Type")
		}
		switch v := req.Body.(type) {
		case []byte:
			return &encodedBody{data: v, contentType: ct}, nil
		case string:
			return &encodedBody{data: []byte(v), contentType: ct}, nil
		case io.Reader:
			data, err := io.ReadAll(v)
			if err != nil {
				return nil, fmt.Errorf("read raw body: %w", err)
			}
			return &encodedBody{data: data, contentType: ct}, nil
		default:
			return nil, fmt.Errorf("raw body must be []byte, string or io.Reader, got %T", req.Body)
		}
	}
	return nil, fmt.Errorf("unknown body encoding %q", enc)
}

// formValues accepts url.Values, map[string]string, map[string][]string or
// map[string]any (values formatted with %v).
func formValues(body any) (url.Values, error) {
	switch v := body.(type) {
	case nil:
		return url.Values{}, nil
	case url.Values:
		return v, nil
	case map[string][]string:
		return url.Values(v), nil
	case map[string]string:
		out := make(url.Values, len(v))
		for k, s := range v {
			out.Set(k, s)
		}
		return out, nil
	case map[string]any:
		out := make(url.Values, len(v))
		for k, s := range v {
			switch sv := s.(type) {
			case nil:
				continue
			case []string:
				out[k] = append([]string(nil), sv...)
			default:
				out.Set(k, fmt.Sprint(sv))
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("form body must be a map or url.Values, got %T", body)
}

func encodeMultipart(body any, files []FilePart) (*encodedBody, error) {
	fields, err := formValues(body)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range fields[k] {
			if err := w.WriteField(k, v); err != nil {
				return nil, fmt.Errorf("write multipart field %q: %w", k, err)
			}
		}
	}

	for _, f := range files {
		if f.Field == "" {
			return nil, fmt.Errorf("multipart file %q has no field name", f.Filename)
		}
		part, err := w.CreatePart(filePartHeader(f))
		if err != nil {
			return nil, fmt.Errorf("create multipart file %q: %w", f.Field, err)
		}
		if _, err := part.Write(f.Content); err != nil {
			return nil, fmt.Errorf("write multipart file %q: %w", f.Field, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart body: %w", err)
	}
	return &encodedBody{data: buf.Bytes(), contentType: w.FormDataContentType()}, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func filePartHeader(f FilePart) textproto.MIMEHeader {
	ct := f.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	name := f.Filename
	if name == "" {
		name = f.Field
	}
	return textproto.MIMEHeader{
		"Content-Disposition": {fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			quoteEscaper.Replace(f.Field), quoteEscaper.Replace(name))},
		"Content-Type": {ct},
	}
}
