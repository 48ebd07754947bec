package wazero

// Hand-assembled modules used by the engine tests.

var wasmHeader = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func module(sections ...[]byte) []byte {
	out := append([]byte(nil), wasmHeader...)
	for _, s := range sections {
		out = append(out, s...)
	}
	return out
}

// noopModule exports an empty on_load.
var noopModule = module(
	[]byte{0x01, 0x04, 0x01, 0x60, 0x00, 0x00},
	[]byte{0x03, 0x02, 0x01, 0x00},
	[]byte{0x07, 0x0b, 0x01, 0x07, 'o', 'n', '_', 'l', 'o', 'a', 'd', 0x00, 0x00},
	[]byte{0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b},
)

// spinModule exports an on_load that never returns.
var spinModule = module(
	[]byte{0x01, 0x04, 0x01, 0x60, 0x00, 0x00},
	[]byte{0x03, 0x02, 0x01, 0x00},
	[]byte{0x07, 0x0b, 0x01, 0x07, 'o', 'n', '_', 'l', 'o', 'a', 'd', 0x00, 0x00},
	[]byte{0x0a, 0x09, 0x01, 0x07, 0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b},
)

// bigMemoryModule declares and exports a memory of two pages.
var bigMemoryModule = module(
	[]byte{0x05, 0x03, 0x01, 0x00, 0x02},
	[]byte{0x07, 0x0a, 0x01, 0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00},
)

// hostModule imports reglet_host.log.write and exports:
//
//	on_load()             calls log.write with {"message":"hi"} stored at 0
//	allocate(n i32) i32   always returns 1024
//	echo(ptr, len i32) i64 returns (ptr<<32 | len)
//	memory                one page
var hostModule = module(
	// types: ()->(), (i64)->i64, (i32)->i32, (i32,i32)->i64
	[]byte{0x01, 0x14, 0x04,
		0x60, 0x00, 0x00,
		0x60, 0x01, 0x7e, 0x01, 0x7e,
		0x60, 0x01, 0x7f, 0x01, 0x7f,
		0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7e},
	// import reglet_host.log.write type 1
	[]byte{0x02, 0x19, 0x01,
		0x0b, 'r', 'e', 'g', 'l', 'e', 't', '_', 'h', 'o', 's', 't',
		0x09, 'l', 'o', 'g', '.', 'w', 'r', 'i', 't', 'e',
		0x00, 0x01},
	// functions
	[]byte{0x03, 0x04, 0x03, 0x00, 0x02, 0x03},
	// memory
	[]byte{0x05, 0x03, 0x01, 0x00, 0x01},
	// exports
	[]byte{0x07, 0x26, 0x04,
		0x07, 'o', 'n', '_', 'l', 'o', 'a', 'd', 0x00, 0x01,
		0x08, 'a', 'l', 'l', 'o', 'c', 'a', 't', 'e', 0x00, 0x02,
		0x04, 'e', 'c', 'h', 'o', 0x00, 0x03,
		0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00},
	// code
	[]byte{0x0a, 0x1c, 0x03,
		0x07, 0x00, 0x42, 0x10, 0x10, 0x00, 0x1a, 0x0b,
		0x05, 0x00, 0x41, 0x80, 0x08, 0x0b,
		0x0c, 0x00, 0x20, 0x00, 0xad, 0x42, 0x20, 0x86, 0x20, 0x01, 0xad, 0x84, 0x0b},
	// data: {"message":"hi"} at offset 0
	[]byte{0x0b, 0x16, 0x01, 0x00, 0x41, 0x00, 0x0b, 0x10,
		'{', '"', 'm', 'e', 's', 's', 'a', 'g', 'e', '"', ':', '"', 'h', 'i', '"', '}'},
)
