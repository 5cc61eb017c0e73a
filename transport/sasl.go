package transport

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxAuthLine bounds one SASL line, including its CR LF terminator.
const maxAuthLine = 512

type authOptions struct {
	// uid is the local user id offered via AUTH EXTERNAL, or -1 to
	// skip EXTERNAL and go straight to ANONYMOUS.
	uid int
	// negotiateFD requests unix fd passing after authentication.
	negotiateFD bool
	// expectGUID, if non-empty, must match the GUID in the server's OK
	// response.
	expectGUID string
}

type authResult struct {
	guid   string
	unixFD bool
}

// runAuth drives the client side of the SASL line protocol: the
// initial zero byte, AUTH EXTERNAL with an ANONYMOUS fallback on
// REJECTED, optional NEGOTIATE_UNIX_FD, and the final BEGIN. A response
// to an AUTH command other than OK or REJECTED is answered with ERROR
// before failing; a response to NEGOTIATE_UNIX_FD other than
// AGREE_UNIX_FD only disables fd passing.
func runAuth(w io.Writer, r *bufio.Reader, opts authOptions) (authResult, error) {
	if _, err := w.Write([]byte{0}); err != nil {
		return authResult{}, err
	}

	var okLine string
	if opts.uid >= 0 {
		hexUID := hex.EncodeToString([]byte(strconv.Itoa(opts.uid)))
		resp, err := exchange(w, r, "AUTH EXTERNAL "+hexUID)
		if err != nil {
			return authResult{}, err
		}
		switch {
		case strings.HasPrefix(resp, "OK"):
			okLine = resp
		case strings.HasPrefix(resp, "REJECTED"):
			// fall through to ANONYMOUS
		default:
			writeAuthLine(w, "ERROR")
			return authResult{}, fmt.Errorf("unexpected response to AUTH EXTERNAL: %q", resp)
		}
	}
	if okLine == "" {
		resp, err := exchange(w, r, "AUTH ANONYMOUS")
		if err != nil {
			return authResult{}, err
		}
		switch {
		case strings.HasPrefix(resp, "OK"):
			okLine = resp
		case strings.HasPrefix(resp, "REJECTED"):
			return authResult{}, fmt.Errorf("server rejected all offered mechanisms, said %q", resp)
		default:
			writeAuthLine(w, "ERROR")
			return authResult{}, fmt.Errorf("unexpected response to AUTH ANONYMOUS: %q", resp)
		}
	}

	ret := authResult{guid: guidOf(okLine)}
	if opts.expectGUID != "" && ret.guid != opts.expectGUID {
		return authResult{}, fmt.Errorf("server GUID %q does not match address GUID %q", ret.guid, opts.expectGUID)
	}

	if opts.negotiateFD {
		resp, err := exchange(w, r, "NEGOTIATE_UNIX_FD")
		if err != nil {
			return authResult{}, err
		}
		// Anything but AGREE_UNIX_FD disables fd passing without
		// failing the handshake.
		ret.unixFD = resp == "AGREE_UNIX_FD"
	}

	if err := writeAuthLine(w, "BEGIN"); err != nil {
		return authResult{}, err
	}
	return ret, nil
}

func guidOf(okLine string) string {
	fields := strings.Fields(okLine)
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

func exchange(w io.Writer, r *bufio.Reader, cmd string) (string, error) {
	if err := writeAuthLine(w, cmd); err != nil {
		return "", err
	}
	return readAuthLine(r)
}

func writeAuthLine(w io.Writer, s string) error {
	_, err := io.WriteString(w, s+"\r\n")
	return err
}

// readAuthLine reads one CR-LF-terminated ASCII line, rejecting lines
// longer than maxAuthLine bytes.
func readAuthLine(r *bufio.Reader) (string, error) {
	var line []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		line = append(line, b)
		if len(line) > maxAuthLine {
			return "", fmt.Errorf("auth line exceeds %d bytes", maxAuthLine)
		}
		if b == '\n' {
			break
		}
	}
	s := string(line)
	if !strings.HasSuffix(s, "\r\n") {
		return "", fmt.Errorf("auth line %q not terminated by CR LF", strings.TrimRight(s, "\n"))
	}
	return s[:len(s)-2], nil
}
