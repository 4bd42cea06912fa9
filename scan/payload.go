package scan

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"scanbridge/backend"
)

// DataURLPrefix precedes the base64 JPEG in helper output and in responses.
const DataURLPrefix = "data:image/jpeg;base64,"

var tokenPattern = regexp.MustCompile(`data:image/jpeg;base64,([A-Za-z0-9+/=]+)`)

// EncodeDataURL wraps JPEG bytes as a data URL.
func EncodeDataURL(jpeg []byte) string {
	return DataURLPrefix + base64.StdEncoding.EncodeToString(jpeg)
}

// extractPayload pulls the image out of a finished process according to the
// invocation's payload mode and checks that it is a JPEG.
func extractPayload(inv backend.Invocation, out *Output) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch inv.Payload {
	case backend.PayloadToken:
		data, err = findToken(out.Combined, inv.DiagnosticPrefixes)
	case backend.PayloadFile:
		data, err = os.ReadFile(inv.OutputFile)
		if errors.Is(err, fs.ErrNotExist) {
			err = fmt.Errorf("output file %s was not written", inv.OutputFile)
		}
	case backend.PayloadStdout:
		data = out.Stdout
	default:
		err = fmt.Errorf("unknown payload mode %v", inv.Payload)
	}
	if err != nil {
		return nil, NewError(InvalidPayload, err.Error(), err)
	}
	if len(data) == 0 {
		return nil, NewError(InvalidPayload, "empty image payload", nil)
	}
	if mt := mimetype.Detect(data); !mt.Is("image/jpeg") {
		return nil, NewError(InvalidPayload, "payload is "+mt.String()+", not image/jpeg", nil)
	}
	return data, nil
}

// findToken scans output line by line, skipping diagnostic lines, for the
// first well-formed data URL token.
func findToken(combined []byte, prefixes []string) ([]byte, error) {
	sc := bufio.NewScanner(bytes.NewReader(combined))
	sc.Buffer(make([]byte, 0, 64*1024), len(combined)+1)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || isDiagnostic(line, prefixes) {
			continue
		}
		m := tokenPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(m[1])
		if err != nil {
			return nil, fmt.Errorf("decode image token: %w", err)
		}
		return data, nil
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("no image token in scanner output")
}
