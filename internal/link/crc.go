package link

import "github.com/sigurn/crc16"

var x25Table = crc16.MakeTable(crc16.CRC16_X_25)

// Checksum returns the CRC-16/X.25 of b (reflected 0x1021, init and xorout
// 0xFFFF). The check value for "123456789" is 0x906E.
func Checksum(b []byte) uint16 {
	return crc16.Checksum(b, x25Table)
}
