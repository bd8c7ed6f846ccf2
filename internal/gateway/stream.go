package gateway

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/lmgate/lmstudio-gateway/internal/config"
	"github.com/lmgate/lmstudio-gateway/internal/monitoring"
)

// maxUsageBuffer bounds the bytes held by the usage parser while waiting for
// an event boundary. Oversized events are skipped for accounting only.
const maxUsageBuffer = 1 << 20

// isStreamingRequest reports whether the request body asks for streaming.
func isStreamingRequest(body []byte) bool {
	return gjson.GetBytes(body, "stream").Bool()
}

// relayResult summarizes one streaming relay.
type relayResult struct {
	Bytes      int64
	Usage      monitoring.UsageInfo
	ClientGone bool  // a write to the caller failed
	Err        error // upstream read error other than EOF
}

// relayStream copies the upstream body to w chunk by chunk, flushing after
// each write so every upstream chunk reaches the caller before the next read.
// Bytes are never altered; usage is observed after the chunk is delivered.
func relayStream(w http.ResponseWriter, body io.Reader) relayResult {
	var result relayResult

	rc := http.NewResponseController(w)
	canFlush := true
	usageParser := newSSEUsageParser()

	buf := make([]byte, config.DefaultBufferSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			written, writeErr := w.Write(chunk)
			result.Bytes += int64(written)
			if writeErr != nil {
				result.ClientGone = true
				break
			}
			if canFlush {
				if flushErr := rc.Flush(); flushErr != nil {
					if errors.Is(flushErr, http.ErrNotSupported) {
						log.Warn().Msg("response writer cannot flush, stream will be buffered")
						canFlush = false
					} else {
						result.ClientGone = true
						break
					}
				}
			}
			usageParser.Feed(chunk)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				result.Err = err
			}
			break
		}
	}

	result.Usage = usageParser.Usage()
	return result
}

// sseUsageParser incrementally parses OpenAI-style SSE events and keeps the
// last "usage" object seen. It only reads structured "data: {json}" events so
// token-like text inside message content is never mistaken for usage.
type sseUsageParser struct {
	buffer []byte
	usage  monitoring.UsageInfo
}

func newSSEUsageParser() *sseUsageParser {
	return &sseUsageParser{
		buffer: make([]byte, 0, config.DefaultBufferSize),
	}
}

func (p *sseUsageParser) Feed(chunk []byte) {
	p.buffer = append(p.buffer, chunk...)
	p.parse(false)
	if len(p.buffer) > maxUsageBuffer {
		p.buffer = p.buffer[:0]
	}
}

func (p *sseUsageParser) Usage() monitoring.UsageInfo {
	p.parse(true)
	return p.usage
}

func (p *sseUsageParser) parse(flush bool) {
	for {
		event, rest, ok := nextSSEEvent(p.buffer, flush)
		if !ok {
			return
		}
		p.buffer = rest
		p.parseEvent(event)
	}
}

func nextSSEEvent(buf []byte, flush bool) ([]byte, []byte, bool) {
	crlf := bytes.Index(buf, []byte("\r\n\r\n"))
	lf := bytes.Index(buf, []byte("\n\n"))
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return buf[:crlf], buf[crlf+4:], true
	case lf >= 0:
		return buf[:lf], buf[lf+2:], true
	}
	if flush {
		trimmed := bytes.TrimSpace(buf)
		if len(trimmed) > 0 {
			return trimmed, nil, true
		}
	}
	return nil, nil, false
}

func (p *sseUsageParser) parseEvent(event []byte) {
	lines := bytes.Split(event, []byte("\n"))
	dataLines := make([][]byte, 0, 2)

	for _, line := range lines {
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}
		dataLines = append(dataLines, payload)
	}
	if len(dataLines) == 0 {
		return
	}

	data := bytes.Join(dataLines, []byte("\n"))
	if !gjson.ValidBytes(data) {
		return
	}
	u := gjson.GetBytes(data, "usage")
	if !u.IsObject() {
		return
	}
	if usage := usageFromResult(u); !usage.IsZero() {
		p.usage = usage
	}
}
