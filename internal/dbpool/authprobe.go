package dbpool

import (
	"crypto/sha1" //nolint:gosec // mysql_native_password is specified to use SHA-1
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// Probe performs a standalone MySQL Protocol::HandshakeV10 exchange against
// addr and reports whether user/password/dbname would be accepted, without
// going through database/sql or consuming a pooled connection. The health
// checker uses this to verify backend reachability and credentials even when
// every pooled connection is currently leased out.
//
// Grounded on the teacher's (JeelKantaria-db-bouncer) internal/pool.go
// authenticateMySQL and its packet helpers, trimmed to the
// mysql_native_password path (the only plugin the reference backend in scope
// here uses) and repurposed from "authenticate a connection we're about to
// pool" into "answer yes or no for a health check".
func Probe(addr, user, password, dbname string, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return fmt.Errorf("dbpool: dialing %s: %w", addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	pkt, _, err := readPacket(conn)
	if err != nil {
		return fmt.Errorf("dbpool: reading handshake: %w", err)
	}
	if len(pkt) < 1 {
		return fmt.Errorf("dbpool: empty handshake packet")
	}
	if pkt[0] == 0xff {
		return fmt.Errorf("dbpool: server rejected connection")
	}

	authData, err := parseAuthData(pkt)
	if err != nil {
		return err
	}

	resp := buildHandshakeResponse(user, dbname, mysqlNativePasswordHash([]byte(password), authData))
	if err := writePacket(conn, resp, 1); err != nil {
		return fmt.Errorf("dbpool: sending handshake response: %w", err)
	}

	pkt, _, err = readPacket(conn)
	if err != nil {
		return fmt.Errorf("dbpool: reading auth result: %w", err)
	}
	if len(pkt) < 1 {
		return fmt.Errorf("dbpool: empty auth result")
	}
	switch pkt[0] {
	case 0x00:
		return nil
	case 0xff:
		return fmt.Errorf("dbpool: auth failed: %s", parseErrPacket(pkt))
	default:
		return fmt.Errorf("dbpool: unexpected auth response byte 0x%02x (auth plugin switch unsupported by probe)", pkt[0])
	}
}

// parseAuthData extracts the 20-byte auth-plugin-data challenge from a
// Protocol::HandshakeV10 packet.
func parseAuthData(pkt []byte) ([]byte, error) {
	pos := 1
	for pos < len(pkt) && pkt[pos] != 0 {
		pos++
	}
	pos++
	pos += 4 // connection_id
	if pos+8 > len(pkt) {
		return nil, fmt.Errorf("dbpool: handshake packet too short")
	}
	authData := make([]byte, 0, 20)
	authData = append(authData, pkt[pos:pos+8]...)
	pos += 8 + 1 // part 1 + filler
	pos += 2 + 3 // capability flags low + charset/status
	if pos+2 > len(pkt) {
		return nil, fmt.Errorf("dbpool: handshake packet too short for capability flags")
	}
	pos += 2 // capability flags high
	var authPluginDataLen int
	if pos < len(pkt) {
		authPluginDataLen = int(pkt[pos])
		pos++
	}
	pos += 10 // reserved
	part2Len := authPluginDataLen - 8
	if part2Len < 13 {
		part2Len = 13
	}
	if pos+part2Len > len(pkt) {
		part2Len = len(pkt) - pos
	}
	if part2Len > 0 {
		part2 := pkt[pos : pos+part2Len]
		if len(part2) > 0 && part2[len(part2)-1] == 0 {
			part2 = part2[:len(part2)-1]
		}
		authData = append(authData, part2...)
	}
	return authData, nil
}

func buildHandshakeResponse(user, dbname string, authResp []byte) []byte {
	const (
		clientLongPassword     = uint32(1)
		clientConnectWithDB    = uint32(8)
		clientProtocol41       = uint32(512)
		clientSecureConnection = uint32(32768)
		clientPluginAuth       = uint32(1 << 19)
	)
	caps := clientLongPassword | clientProtocol41 | clientSecureConnection | clientPluginAuth | clientConnectWithDB

	var resp []byte
	capBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(capBuf, caps)
	resp = append(resp, capBuf...)
	resp = append(resp, 0xff, 0xff, 0xff, 0x00)
	resp = append(resp, 0x21)
	resp = append(resp, make([]byte, 23)...)
	resp = append(resp, []byte(user)...)
	resp = append(resp, 0)
	resp = append(resp, byte(len(authResp)))
	resp = append(resp, authResp...)
	resp = append(resp, []byte(dbname)...)
	resp = append(resp, 0)
	resp = append(resp, []byte("mysql_native_password")...)
	resp = append(resp, 0)
	return resp
}

// mysqlNativePasswordHash computes SHA1(password) XOR SHA1(authData +
// SHA1(SHA1(password))).
func mysqlNativePasswordHash(password, authData []byte) []byte {
	if len(password) == 0 {
		return []byte{}
	}
	h1 := sha1.Sum(password) //nolint:gosec
	h2 := sha1.Sum(h1[:])    //nolint:gosec
	h := sha1.New()          //nolint:gosec
	h.Write(authData)
	h.Write(h2[:])
	h3 := h.Sum(nil)
	result := make([]byte, 20)
	for i := range result {
		result[i] = h1[i] ^ h3[i]
	}
	return result
}

func readPacket(conn net.Conn) (payload []byte, seq byte, err error) {
	hdr := make([]byte, 4)
	if _, err = io.ReadFull(conn, hdr); err != nil {
		return nil, 0, err
	}
	length := int(hdr[0]) | int(hdr[1])<<8 | int(hdr[2])<<16
	seq = hdr[3]
	if length == 0 {
		return []byte{}, seq, nil
	}
	payload = make([]byte, length)
	_, err = io.ReadFull(conn, payload)
	return payload, seq, err
}

func writePacket(conn net.Conn, payload []byte, seq byte) error {
	hdr := make([]byte, 4)
	length := len(payload)
	hdr[0] = byte(length)
	hdr[1] = byte(length >> 8)
	hdr[2] = byte(length >> 16)
	hdr[3] = seq
	_, err := conn.Write(append(hdr, payload...))
	return err
}

func parseErrPacket(pkt []byte) string {
	if len(pkt) < 9 {
		return "unknown error"
	}
	return string(pkt[9:])
}
