package codec

// CRC-32C (Castagnoli, bit-reflected polynomial 0x82F63B78) computed four
// bits at a time from a sixteen-entry table. Chosen over CRC-32 IEEE for
// better burst-error detection on serial links.

// CRC32CInit is the seed for an incremental computation.
const CRC32CInit uint32 = 0xFFFFFFFF

var crc32cTable = [16]uint32{
	0x00000000, 0x105EC76F, 0x20BD8EDE, 0x30E349B1,
	0x417B1DBC, 0x5125DAD3, 0x61C69362, 0x7198540D,
	0x82F63B78, 0x92A8FC17, 0xA24BB5A6, 0xB21572C9,
	0xC38D26C4, 0xD3D3E1AB, 0xE330A81A, 0xF36E6F75,
}

// CRC32CUpdate folds data into a running CRC. Seed with CRC32CInit and
// finish with CRC32CFinalize once all data has been fed.
func CRC32CUpdate(crc uint32, data []byte) uint32 {
	for _, b := range data {
		crc = (crc >> 4) ^ crc32cTable[(crc^uint32(b))&0x0F]
		crc = (crc >> 4) ^ crc32cTable[(crc^(uint32(b)>>4))&0x0F]
	}
	return crc
}

// CRC32CFinalize completes a running CRC.
func CRC32CFinalize(crc uint32) uint32 {
	return crc ^ 0xFFFFFFFF
}

// CRC32C computes the checksum of data in one shot.
func CRC32C(data []byte) uint32 {
	return CRC32CFinalize(CRC32CUpdate(CRC32CInit, data))
}
