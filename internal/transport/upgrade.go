package transport

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"strings"
)

// wsGUID is the fixed key-accept GUID from RFC 6455 Section 1.3.
const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

const maxHandshakeBytes = 8 << 10

// Upgrade performs the client side of the WebSocket opening handshake on
// an established connection and returns the sub-protocol name the server
// selected. An empty subprotocols list requests no sub-protocol.
//
// The response is read byte-by-byte up to the header terminator so no
// post-handshake frame bytes are consumed from the connection.
func Upgrade(conn net.Conn, host, path string, subprotocols []string) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	key := base64.StdEncoding.EncodeToString(nonce)

	if path == "" {
		path = "/"
	}
	var req bytes.Buffer
	fmt.Fprintf(&req, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&req, "Host: %s\r\n", host)
	req.WriteString("Upgrade: websocket\r\nConnection: Upgrade\r\n")
	fmt.Fprintf(&req, "Sec-WebSocket-Key: %s\r\nSec-WebSocket-Version: 13\r\n", key)
	if len(subprotocols) > 0 {
		fmt.Fprintf(&req, "Sec-WebSocket-Protocol: %s\r\n", strings.Join(subprotocols, ", "))
	}
	req.WriteString("\r\n")
	if _, err := conn.Write(req.Bytes()); err != nil {
		return "", fmt.Errorf("write handshake: %w", err)
	}

	raw, err := readHead(conn)
	if err != nil {
		return "", fmt.Errorf("read handshake response: %w", err)
	}
	rd := bufio.NewReader(bytes.NewReader(raw))
	status, err := rd.ReadString('\n')
	if err != nil {
		return "", err
	}
	if !strings.Contains(status, " 101 ") {
		return "", fmt.Errorf("upgrade refused: %s", strings.TrimSpace(status))
	}
	hdr, err := textproto.NewReader(rd).ReadMIMEHeader()
	if err != nil {
		return "", err
	}
	if got, want := hdr.Get("Sec-Websocket-Accept"), acceptKey(key); got != want {
		return "", fmt.Errorf("bad Sec-WebSocket-Accept: got %q", got)
	}
	selected := hdr.Get("Sec-Websocket-Protocol")
	if selected != "" && !contains(subprotocols, selected) {
		return "", fmt.Errorf("server selected unrequested sub-protocol %q", selected)
	}
	return selected, nil
}

// Accept performs the server side of the handshake for an HTTP request,
// hijacks the connection, and returns it along with the selected
// sub-protocol name. Negotiation fails if the client offers no name from
// the supported list.
func Accept(w http.ResponseWriter, r *http.Request, supported []string) (net.Conn, string, error) {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		http.Error(w, "not a websocket upgrade", http.StatusBadRequest)
		return nil, "", fmt.Errorf("missing Upgrade header")
	}
	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		http.Error(w, "missing Sec-WebSocket-Key", http.StatusBadRequest)
		return nil, "", fmt.Errorf("missing Sec-WebSocket-Key")
	}

	selected := ""
	if len(supported) > 0 {
		for _, offered := range splitProtocols(r.Header.Get("Sec-WebSocket-Protocol")) {
			if contains(supported, offered) {
				selected = offered
				break
			}
		}
		if selected == "" {
			http.Error(w, "no supported sub-protocol", http.StatusBadRequest)
			return nil, "", fmt.Errorf("no supported sub-protocol offered")
		}
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "upgrade unsupported", http.StatusInternalServerError)
		return nil, "", fmt.Errorf("response writer cannot hijack")
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return nil, "", fmt.Errorf("hijack: %w", err)
	}

	var resp bytes.Buffer
	resp.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	resp.WriteString("Upgrade: websocket\r\nConnection: Upgrade\r\n")
	fmt.Fprintf(&resp, "Sec-WebSocket-Accept: %s\r\n", acceptKey(key))
	if selected != "" {
		fmt.Fprintf(&resp, "Sec-WebSocket-Protocol: %s\r\n", selected)
	}
	resp.WriteString("\r\n")
	if _, err := conn.Write(resp.Bytes()); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("write 101: %w", err)
	}
	return conn, selected, nil
}

// readHead reads from conn one byte at a time until \r\n\r\n.
func readHead(conn net.Conn) ([]byte, error) {
	var buf bytes.Buffer
	one := make([]byte, 1)
	for {
		if _, err := conn.Read(one); err != nil {
			return nil, err
		}
		buf.WriteByte(one[0])
		if buf.Len() > maxHandshakeBytes {
			return nil, fmt.Errorf("handshake response too large")
		}
		if bytes.HasSuffix(buf.Bytes(), []byte("\r\n\r\n")) {
			return buf.Bytes(), nil
		}
	}
}

func acceptKey(key string) string {
	h := sha1.Sum([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(h[:])
}

func splitProtocols(header string) []string {
	var out []string
	for _, p := range strings.Split(header, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
