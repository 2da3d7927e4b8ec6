// Package validate implements the AES-128-CBC-wrapped HTTP validation
// exchange: the host asks the vendor's sensitivity server whether a ROM
// is allowed for a device, and the server replies with a token and/or
// an allow-list, encrypted the same way the request was.
package validate

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"miassistant/internal/mi"
)

// requestTimeout bounds the whole validation HTTP round trip.
const requestTimeout = 30 * time.Second

// userAgent is the exact header value the vendor's own tool sends;
// servers have been observed to reject requests without it.
const userAgent = "MiTunes_UserAgent_v3.0"

// Result is the parsed, decrypted validation response.
type Result struct {
	PkgRomValidate []string
	PkgRomErase    int
	CodeMessage    string
	ValidateToken  string
	RawPlaintext   string
	FullJSON       string
}

type responseField struct {
	str string
	arr []string
	isArr bool
}

func (f *responseField) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		f.arr = arr
		f.isArr = true
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		f.str = s
		f.isArr = false
		return nil
	}
	return fmt.Errorf("validate: Validate field is neither a string nor an array")
}

type responsePkgRom struct {
	Validate *responseField `json:"Validate"`
	Erase    *int           `json:"Erase"`
	Token    *string        `json:"Token"`
}

type responseCode struct {
	Message string `json:"message"`
}

type responseRoot struct {
	PkgRom *responsePkgRom `json:"PkgRom"`
	Code   *responseCode   `json:"Code"`
}

// BuildRequestJSON assembles the request body exactly as the vendor
// tool does, field order included — servers have been observed to be
// sensitive to it. md5 may be empty. info.RomZone is injected verbatim
// and unquoted: the vendor's own wire format does this even though
// RomZone is not always numeric (e.g. "F"), so this dialect reproduces
// it rather than quoting it "correctly".
func BuildRequestJSON(info mi.Info, md5 string) string {
	esc := func(s string) string { return strings.ReplaceAll(s, `"`, `\"`) }
	zone := strings.TrimSpace(info.RomZone)
	return fmt.Sprintf(
		`{"d":"%s","v":"%s","c":"%s","b":"%s","sn":"%s","l":"en-US","f":"1","options":{"zone":%s},"pkg":"%s"}`,
		esc(info.Device), esc(info.Version), esc(info.Codebase), esc(info.Branch), esc(info.SN), zone, esc(md5),
	)
}

// EncodeRequestBase64 exposes the AES-128-CBC/base64 encoding of a
// request body, so the CLI can print the raw `q=` payload the way the
// vendor tool's debug output does.
func EncodeRequestBase64(jsonBody string) (string, error) {
	return encryptCBCBase64([]byte(jsonBody))
}

// extractJSONBraces returns the substring from the first '{' to the
// last '}' in text, tolerating any leading/trailing noise the server
// wraps the JSON object in.
func extractJSONBraces(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

// Validate POSTs jsonBody (AES-encrypted and base64-encoded) to
// serverURL and parses the decrypted response.
func Validate(serverURL, jsonBody string) (Result, error) {
	requestID := uuid.NewString()

	enc, err := encryptCBCBase64([]byte(jsonBody))
	if err != nil {
		return Result{}, err
	}

	form := url.Values{"q": {enc}, "t": {""}, "s": {"1"}}
	client := &http.Client{Timeout: requestTimeout}
	req, err := http.NewRequest(http.MethodPost, serverURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Result{}, fmt.Errorf("validate[%s]: building request: %w", requestID, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("validate[%s]: http request failed: %w", requestID, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		head := body
		if len(head) > 200 {
			head = head[:200]
		}
		return Result{}, fmt.Errorf("validate[%s]: http %d, first %d bytes: %x", requestID, resp.StatusCode, len(head), head)
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return Result{}, fmt.Errorf("validate[%s]: empty response body", requestID)
	}

	plain, err := decryptCBCBase64(text)
	if err != nil {
		return Result{}, fmt.Errorf("validate[%s]: decrypting response: %w", requestID, err)
	}
	preview := string(plain)

	jsonText, ok := extractJSONBraces(preview)
	if !ok {
		return Result{}, fmt.Errorf("validate[%s]: no JSON object found in plaintext (%d bytes)", requestID, len(plain))
	}

	var root responseRoot
	if err := json.Unmarshal([]byte(jsonText), &root); err != nil {
		return Result{}, fmt.Errorf("validate[%s]: parsing response JSON: %w", requestID, err)
	}

	var out Result
	if root.PkgRom != nil {
		if v := root.PkgRom.Validate; v != nil {
			if v.isArr {
				out.PkgRomValidate = v.arr
			} else {
				out.ValidateToken = v.str
			}
		}
		if out.ValidateToken == "" && root.PkgRom.Token != nil {
			out.ValidateToken = *root.PkgRom.Token
		}
		if root.PkgRom.Erase != nil {
			out.PkgRomErase = *root.PkgRom.Erase
		}
	}
	if root.Code != nil && root.Code.Message != "" {
		out.CodeMessage = root.Code.Message
	}
	head := preview
	if len(head) > 200 {
		head = head[:200]
	}
	out.RawPlaintext = head
	out.FullJSON = jsonText

	hasValidate := root.PkgRom != nil && root.PkgRom.Validate != nil
	if !hasValidate && out.CodeMessage == "" {
		return Result{}, fmt.Errorf("validate[%s]: response missing PkgRom.Validate or Code.message (plaintext %d bytes, head %q)", requestID, len(plain), out.RawPlaintext)
	}
	return out, nil
}

// PrintAllowed writes a human-readable rendering of res to w: the
// explicit allow-list when present, else a best-effort scan of the raw
// response object for name/md5 pairs, else the server's code message.
// With dumpJSON set it instead writes the raw decrypted JSON verbatim.
func PrintAllowed(w io.Writer, res Result, dumpJSON bool) {
	if dumpJSON && res.FullJSON != "" {
		fmt.Fprintln(w, res.FullJSON)
		return
	}

	if res.PkgRomValidate != nil {
		if len(res.PkgRomValidate) == 0 {
			fmt.Fprintln(w, "No allowed ROMs reported by server.")
			return
		}
		fmt.Fprintln(w, "Allowed ROMs:")
		for _, s := range res.PkgRomValidate {
			fmt.Fprintf(w, "- %s\n", s)
		}
		return
	}

	if res.FullJSON != "" {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(res.FullJSON), &obj); err == nil {
			if _, bad := obj["Signup"]; bad {
				fmt.Fprintln(w, "Error: Invalid data")
				return
			}
			if _, bad := obj["VersionBoot"]; bad {
				fmt.Fprintln(w, "Error: Invalid data")
				return
			}
			printed := false
			for k, raw := range obj {
				if k == "Icon" {
					continue
				}
				var entry struct {
					Name string `json:"name"`
					MD5  string `json:"md5"`
				}
				if err := json.Unmarshal(raw, &entry); err == nil && entry.Name != "" && entry.MD5 != "" {
					fmt.Fprintf(w, "%s: %s\nmd5: %s\n\n", k, entry.Name, entry.MD5)
					printed = true
				}
			}
			if printed {
				return
			}
		}
	}

	if res.CodeMessage != "" {
		fmt.Fprintln(w, res.CodeMessage)
		return
	}
	fmt.Fprintln(w, "Server did not include allowed ROM list.")
}
