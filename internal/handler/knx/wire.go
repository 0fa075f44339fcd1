package knx

import "fmt"

// Service types, per the KNXnet/IP tunnelling specification.
const (
	svcConnReq       = 0x0205
	svcConnResp      = 0x0206
	svcConnStateReq  = 0x0207
	svcConnStateResp = 0x0208
	svcDiscReq       = 0x0209
	svcDiscResp      = 0x020A
	svcTunnelReq     = 0x0420
	svcTunnelResp    = 0x0421
)

func serviceTypeName(st uint16) string {
	switch st {
	case svcConnReq:
		return "CONN_REQ"
	case svcConnResp:
		return "CONN_RESP"
	case svcConnStateReq:
		return "CONN_STATE_REQ"
	case svcConnStateResp:
		return "CONN_STATE_RESP"
	case svcDiscReq:
		return "DISC_REQ"
	case svcDiscResp:
		return "DISC_RESP"
	case svcTunnelReq:
		return "TUNNEL_REQ"
	case svcTunnelResp:
		return "TUNNEL_RESP"
	default:
		return "???"
	}
}

// cEMI message codes.
const (
	msgCodeLDataReq = 0x11
	msgCodeLDataInd = 0x29
	msgCodeLDataCon = 0x2E
)

func addHeader(serviceType uint16, body []byte) []byte {
	header := []byte{
		0x06,                          // header length
		0x10,                          // KNXnet/IP version 1.0
		byte(serviceType >> 8),
		byte(serviceType),
		byte((len(body) + 6) >> 8),
		byte(len(body) + 6),
	}
	return append(header, body...)
}

func createHpai(ip [4]byte, port uint16) []byte {
	return []byte{
		0x08, 0x01, // HPAI length, host protocol code (IPV4_UDP)
		ip[0], ip[1], ip[2], ip[3],
		byte(port >> 8), byte(port),
	}
}

func createCRI() []byte {
	return []byte{0x04, 0x04, 0x02, 0x00} // length, tunnel connection, tunnel link layer, reserved
}

func createTunnelHeader(channelID, seqNo byte) []byte {
	return []byte{0x04, channelID, seqNo, 0x00}
}

func createLongHpai(channelID byte, ip [4]byte, port uint16) []byte {
	out := []byte{channelID, 0x00}
	return append(out, createHpai(ip, port)...)
}

func createCemiFrame(pa PhysicalAddr, ga GroupAddr, data []byte) []byte {
	frame := []byte{
		msgCodeLDataReq,
		0x00, // additional info length
		0xBC, // control byte
		0xE0, // DRL byte
		pa.High(), pa.Low(),
		ga.High(), ga.Low(),
		byte(len(data)), // data/APDU length
		0x00,            // TPCI
	}
	return append(frame, data...)
}

func checkMsg(msg []byte) error {
	if len(msg) < 8 {
		return fmt.Errorf("received message has length %d (expected >=8)", len(msg))
	}
	if msg[0] != 0x06 {
		return fmt.Errorf("received message contains header length %d (expected 6)", msg[0])
	}
	if msg[1] != 0x10 {
		return fmt.Errorf("received message has KNXnet/IP version 0x%02x (expected 0x10)", msg[1])
	}
	totalLength := int(msg[4])<<8 | int(msg[5])
	if totalLength != len(msg) {
		return fmt.Errorf("received message contains total length %d (actual length %d)", totalLength, len(msg))
	}
	return nil
}

func checkTunnelReq(msg []byte, channelID byte) error {
	if len(msg) < 20 {
		return fmt.Errorf("received TUNNEL REQUEST has length %d (expected >=20)", len(msg))
	}
	if msg[7] != channelID {
		return fmt.Errorf("received TUNNEL REQUEST has channel id 0x%02x (expected 0x%02x)", msg[7], channelID)
	}
	return nil
}

func checkTunnelResp(msg []byte) error {
	if len(msg) != 10 {
		return fmt.Errorf("received TUNNEL RESPONSE has length %d (expected 10)", len(msg))
	}
	if msg[9] != 0x00 {
		return fmt.Errorf("received TUNNEL RESPONSE has status code 0x%02x (expected 0x00)", msg[9])
	}
	return nil
}

func checkConnResp(msg []byte) error {
	if len(msg) != 20 {
		return fmt.Errorf("received CONNECTION RESPONSE has length %d (expected 20)", len(msg))
	}
	if msg[7] != 0x00 {
		return fmt.Errorf("received CONNECTION RESPONSE has status code 0x%02x (expected 0x00)", msg[7])
	}
	if msg[8] != 0x08 {
		return fmt.Errorf("received CONNECTION RESPONSE has HPAI length %d (expected 8)", msg[8])
	}
	if msg[9] != 0x01 {
		return fmt.Errorf("received CONNECTION RESPONSE has protocol code 0x%02x (expected 0x01 = IPV4_UDP)", msg[9])
	}
	return nil
}

func checkConnStateResp(msg []byte, channelID byte) error {
	if len(msg) < 8 {
		return fmt.Errorf("received CONNECTION STATE RESPONSE has length %d (expected >=8)", len(msg))
	}
	if msg[6] != channelID {
		return fmt.Errorf("received CONNECTION STATE RESPONSE has channel id 0x%02x (expected 0x%02x)", msg[6], channelID)
	}
	if msg[7] != 0x00 {
		return fmt.Errorf("received CONNECTION STATE RESPONSE has status code 0x%02x (expected 0x00)", msg[7])
	}
	return nil
}
