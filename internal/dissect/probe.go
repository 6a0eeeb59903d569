package dissect

import (
	"encoding/binary"
	"fmt"
	"os"
)

// Filesystem type names as the mount syscall expects them.
const (
	FSTypeExt4     = "ext4"
	FSTypeXFS      = "xfs"
	FSTypeBtrfs    = "btrfs"
	FSTypeSquashfs = "squashfs"
	FSTypeErofs    = "erofs"
	FSTypeVfat     = "vfat"
	FSTypeSwap     = "swap"
	FSTypeLUKS     = "crypto_LUKS"
	FSTypeVerity   = "DM_verity_hash"
)

// ProbeNode identifies the filesystem on a device node. Used to
// re-probe the clear-text side of a device-mapper mapping.
func ProbeNode(node string) (string, error) {
	return probeMagic(node, 0)
}

// probeMagic identifies the filesystem at the given byte offset of the
// image by superblock magic. It reads enough to cover the ext4
// superblock and the btrfs magic at 64KiB.
func probeMagic(imagePath string, offset int64) (string, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, 0x11000)
	n, err := f.ReadAt(buf, offset)
	if n == 0 && err != nil {
		return "", err
	}
	buf = buf[:n]

	has := func(off int, magic string) bool {
		return len(buf) >= off+len(magic) && string(buf[off:off+len(magic)]) == magic
	}

	switch {
	case has(0, "LUKS\xba\xbe"):
		return FSTypeLUKS, nil
	case has(0, "verity\x00\x00"):
		return FSTypeVerity, nil
	case has(0, "hsqs"):
		return FSTypeSquashfs, nil
	case has(0, "XFSB"):
		return FSTypeXFS, nil
	case len(buf) >= 0x438+2 && binary.LittleEndian.Uint16(buf[0x438:0x43a]) == 0xef53:
		// ext2/3/4 share the magic; ext4 mounts all of them.
		return FSTypeExt4, nil
	case len(buf) >= 0x404 && binary.LittleEndian.Uint32(buf[0x400:0x404]) == 0xe0f5e1e2:
		return FSTypeErofs, nil
	case has(0x10040, "_BHRfS_M"):
		return FSTypeBtrfs, nil
	case has(0xff6, "SWAPSPACE2") || has(0xff6, "SWAP-SPACE"):
		return FSTypeSwap, nil
	case has(0x52, "FAT32   ") || has(0x36, "FAT16   ") || has(0x36, "FAT12   "):
		return FSTypeVfat, nil
	}

	return "", fmt.Errorf("no known filesystem magic at offset %d", offset)
}
