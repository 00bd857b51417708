package sockconn

import "encoding/binary"

// WriteUint32 writes v as a 4-byte little-endian value. The byte order
// is fixed to little-endian whatever the host's own byte order is.
func WriteUint32(c *Conn, v uint32) error {
	return writeUint32(c, v)
}

// ReadUint32 reads a 4-byte little-endian u32.
func ReadUint32(c *Conn) (uint32, error) {
	return readUint32(c)
}

// WriteUint64 writes v as an 8-byte little-endian value.
func WriteUint64(c *Conn, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return c.Write(buf[:])
}

// ReadUint64 reads an 8-byte little-endian u64.
func ReadUint64(c *Conn) (uint64, error) {
	var buf [8]byte
	if err := c.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteString writes a 32-bit length prefix followed by the NUL-
// terminated bytes of s.
func WriteString(c *Conn, s string) error {
	b := append([]byte(s), 0)
	if err := WriteUint32(c, uint32(len(b))); err != nil {
		return err
	}
	return c.Write(b)
}

// ReadString reads a length-prefixed, NUL-terminated string.
func ReadString(c *Conn) (string, error) {
	n, err := ReadUint32(c)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if err := c.Read(buf); err != nil {
		return "", err
	}
	if buf[len(buf)-1] == 0 {
		buf = buf[:len(buf)-1]
	}
	return string(buf), nil
}

func writeUint32(c *Conn, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return c.Write(buf[:])
}

func readUint32(c *Conn) (uint32, error) {
	var buf [4]byte
	if err := c.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}
