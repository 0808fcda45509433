package frame

// crcTable holds CRC-8/MAXIM (Dallas 1-Wire) remainders for the reflected
// polynomial 0x8C. The peripheral firmware computes the same value bit by bit
// with its 0x18 feedback mask.
var crcTable = func() (t [256]byte) {
	for i := range t {
		crc := byte(i)
		for bit := 0; bit < 8; bit++ {
			if crc&0x01 != 0 {
				crc = (crc >> 1) ^ 0x8C
			} else {
				crc >>= 1
			}
		}
		t[i] = crc
	}
	return t
}()

// Checksum returns the CRC-8/MAXIM of data (init 0x00, no final xor).
func Checksum(data []byte) byte {
	var crc byte
	for _, b := range data {
		crc = crcTable[crc^b]
	}
	return crc
}
