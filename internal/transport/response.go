package transport

import (
	"fmt"
	"net/http"

	"github.com/roach88/tether/internal/clienterr"
	"github.com/roach88/tether/internal/wire"
)

// DecodeResult turns a raw response into the function's result.
//
// A 2xx body is an envelope: {"status":"success","value":…} yields the value,
// {"status":"error","errorMessage":…,"errorData":…} a REMOTE_FUNCTION_ERROR
// carrying errorData. 400 and 422 are ARGUMENT_ERROR; any other status is a
// SERVER_ERROR with that status.
func DecodeResult(resp Response) (wire.Value, error) {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return decodeEnvelope(resp.Body)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		e := clienterr.New(clienterr.KindArgument, "%s", errorMessage(resp))
		e.StatusCode = resp.StatusCode
		return nil, e
	default:
		return nil, clienterr.Server(resp.StatusCode, errorMessage(resp))
	}
}

func decodeEnvelope(body string) (wire.Value, error) {
	v, err := wire.Decode(body)
	if err != nil {
		return nil, err
	}
	env, ok := v.(wire.Object)
	if !ok {
		return nil, clienterr.New(clienterr.KindMalformedValue, "response envelope is %T, want object", v)
	}

	statusVal, _ := env.Get("status")
	status, err := wire.AsString(statusVal)
	if err != nil {
		return nil, clienterr.Wrap(clienterr.KindMalformedValue, err, "response envelope status")
	}

	switch status {
	case "success":
		value, ok := env.Get("value")
		if !ok {
			return wire.Null{}, nil
		}
		return value, nil
	case "error":
		msg := "remote function failed"
		if m, ok := env.Get("errorMessage"); ok {
			if s, err := wire.AsString(m); err == nil {
				msg = s
			}
		}
		e := clienterr.New(clienterr.KindRemoteFunction, "%s", msg)
		if data, ok := env.Get("errorData"); ok {
			e.Data = data
		}
		return nil, e
	default:
		return nil, clienterr.New(clienterr.KindMalformedValue, "unknown response status %q", status)
	}
}

// errorMessage extracts errorMessage from an error body if it has one,
// otherwise the status text plus the raw body.
func errorMessage(resp Response) string {
	if v, err := wire.Decode(resp.Body); err == nil {
		if obj, ok := v.(wire.Object); ok {
			if m, ok := obj.Get("errorMessage"); ok {
				if s, err := wire.AsString(m); err == nil {
					return s
				}
			}
		}
	}
	text := http.StatusText(resp.StatusCode)
	if text == "" {
		text = fmt.Sprintf("status %d", resp.StatusCode)
	}
	if resp.Body == "" {
		return text
	}
	const maxBody = 256
	body := resp.Body
	if len(body) > maxBody {
		body = body[:maxBody] + "..."
	}
	return text + ": " + body
}
