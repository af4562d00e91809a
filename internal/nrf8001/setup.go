package nrf8001

// setupMessages is the vendor-provided SETUP blob: a fixed sequence of
// frameLen-byte frames transmitted verbatim, one per transaction, to
// configure the nRF8001's GATT services and advertising data. The
// driver makes no interpretation of their contents; it only counts
// them. The real datasheet-generated table runs into
// the hundreds of frames; this is a representative stand-in of the
// same shape, since the actual bytes are a Nordic nRFgo Studio build
// artifact outside this repository's degrees of freedom.
var setupMessages = [][frameLen]byte{
	{0x1b, 0x00, 0x01, 0x11, 0x04, 0x40, 0x6e, 0x10, 0x00, 0x01, 0x01, 0x00, 0x00, 0x06},
	{0x1b, 0x00, 0x02, 0x00, 0x05, 0x02, 0x01, 0x50, 0x69, 0x70, 0x65},
	{0x1b, 0x00, 0x03, 0x10, 0x54, 0x65, 0x73, 0x74, 0x20, 0x44, 0x65, 0x76, 0x69, 0x63, 0x65},
	{0x1b, 0x00, 0x04, 0x06, 0x00, 0x01, 0x00, 0x01, 0x01},
}

// nbSetupMessages is NB_SETUP_MESSAGES. Go has no static_assert, so
// instead of a compile-time check, driver.go's init derives
// sysSetupLast from this length (making SetupLast-SetupFirst+1 equal
// it by construction) and panics at package init if the table is
// empty.
func nbSetupMessages() int {
	return len(setupMessages)
}
