// Package dissect turns a block-backed disk image into a structured
// partition map: which partition is the root tree, which is the ESP,
// what filesystem each carries, and whether verity protection is
// present. The rest of the tool consumes this view and never mutates
// or re-validates it.
package dissect

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jgarman/imgsurgeon/internal/imagerr"
	"github.com/jgarman/imgsurgeon/internal/verity"
)

// Designator names the role a partition plays in the OS tree.
type Designator string

const (
	DesignatorRoot       Designator = "root"
	DesignatorUsr        Designator = "usr"
	DesignatorHome       Designator = "home"
	DesignatorSrv        Designator = "srv"
	DesignatorESP        Designator = "esp"
	DesignatorXBootLdr   Designator = "xbootldr"
	DesignatorSwap       Designator = "swap"
	DesignatorVar        Designator = "var"
	DesignatorTmp        Designator = "tmp"
	DesignatorGeneric    Designator = "generic"
	DesignatorRootVerity Designator = "root-verity"
	DesignatorUsrVerity  Designator = "usr-verity"
)

// Architecture is the CPU architecture hint carried by arch-specific
// partition type GUIDs.
type Architecture string

const (
	ArchNone   Architecture = ""
	ArchX86    Architecture = "x86"
	ArchX86_64 Architecture = "x86-64"
	ArchARM64  Architecture = "arm64"
)

// GPT partition type GUIDs from the discoverable partitions spec, for
// the designators this tool understands.
var typeTable = []struct {
	guid       string
	designator Designator
	arch       Architecture
}{
	{"4f68bce3-e8cd-4db1-96e7-fbcaf984b709", DesignatorRoot, ArchX86_64},
	{"b921b045-1df0-41c3-af44-4c6f280d3fae", DesignatorRoot, ArchARM64},
	{"44479540-f297-41b2-9af7-d131d5f0458a", DesignatorRoot, ArchX86},
	{"8484680c-9521-48c6-9c11-b0720656f69e", DesignatorUsr, ArchX86_64},
	{"b0e01050-ee5f-4390-949a-9101b17104e9", DesignatorUsr, ArchARM64},
	{"2c7357ed-ebd2-46d9-aec1-23d437ec2bf5", DesignatorRootVerity, ArchX86_64},
	{"df3300ce-d69f-4c92-978c-9bfb0f38d820", DesignatorRootVerity, ArchARM64},
	{"77ff5f63-e7b6-4633-acf4-1565b864c0e6", DesignatorUsrVerity, ArchX86_64},
	{"6e11a4e7-fbca-4ded-b9e9-e1a512bb664e", DesignatorUsrVerity, ArchARM64},
	{"933ac7e2-2c08-4da6-994c-69852381788b", DesignatorHome, ArchNone},
	{"3b8f8425-20e0-4f3b-907f-1a25a76f98e8", DesignatorSrv, ArchNone},
	{"c12a7328-f81f-11d2-ba4b-00a0c93ec93b", DesignatorESP, ArchNone},
	{"bc13c2ff-59e6-4262-a352-b275fd6f7172", DesignatorXBootLdr, ArchNone},
	{"0657fd6d-a4ab-43c4-84e5-0933c84b4f4f", DesignatorSwap, ArchNone},
	{"4d21b016-b534-45c2-a9fb-5c16e091fd2d", DesignatorVar, ArchNone},
	{"7ec6f557-3bc5-4aca-b293-16ef5df639d1", DesignatorTmp, ArchNone},
	{"0fc63daf-8483-4772-8e79-3d69d8477de4", DesignatorGeneric, ArchNone},
}

func classify(typeGUID string) (Designator, Architecture, bool) {
	g := strings.ToLower(typeGUID)
	for _, e := range typeTable {
		if e.guid == g {
			return e.designator, e.arch, true
		}
	}
	return "", ArchNone, false
}

// Partition is one discovered partition.
type Partition struct {
	Designator   Designator
	Node         string
	FSType       string
	UUID         uuid.UUID
	Architecture Architecture
	ReadWrite    bool
	PartNo       int
	HasVerity    bool // a matching verity hash partition exists
}

// IsVerityHash reports whether this partition carries verity hash data
// rather than a filesystem.
func (p *Partition) IsVerityHash() bool {
	return p.Designator == DesignatorRootVerity || p.Designator == DesignatorUsrVerity
}

// Image is the read-only structured view of a dissected image.
type Image struct {
	Name       string
	Size       int64
	Partitions []Partition

	// Verity carries the resolved verity parameters for the image, or
	// an empty descriptor when none were supplied.
	Verity *verity.Descriptor
}

// Flags modifies dissection behavior.
type Flags struct {
	// ReadOnly marks every partition read-only regardless of its GPT
	// flags.
	ReadOnly bool

	// NoPartitionTable treats the image as one bare filesystem. Set
	// when the verity hash tree lives in an external data file.
	NoPartitionTable bool
}

// Dissect reads the image's partition table and probes each
// partition's filesystem. loopDevice is the attached loop device used
// to derive the per-partition device nodes.
func Dissect(imagePath, loopDevice string, desc *verity.Descriptor, flags Flags, log *logrus.Entry) (*Image, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if desc == nil {
		desc = &verity.Descriptor{}
	}

	fi, err := os.Stat(imagePath)
	if err != nil {
		return nil, fmt.Errorf("dissecting %s: %w", imagePath, err)
	}

	img := &Image{
		Name:   filepath.Base(imagePath),
		Size:   fi.Size(),
		Verity: desc,
	}

	if flags.NoPartitionTable {
		fstype, _ := probeMagic(imagePath, 0)
		img.Partitions = append(img.Partitions, Partition{
			Designator: DesignatorRoot,
			Node:       loopDevice,
			FSType:     fstype,
			ReadWrite:  false, // externally verity-protected, never writable
			PartNo:     -1,
			HasVerity:  true,
		})
		return img, nil
	}

	d, err := diskfs.Open(imagePath, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return nil, fmt.Errorf("dissecting %s: %w", imagePath, err)
	}
	defer d.Close()

	table, err := d.GetPartitionTable()
	if err != nil {
		return nil, fmt.Errorf("reading partition table of %s: %w", imagePath, err)
	}
	gptTable, ok := table.(*gpt.Table)
	if !ok {
		return nil, fmt.Errorf("dissecting %s: %w: image has no GPT partition table", imagePath, imagerr.ErrResourceAcquisition)
	}

	for i, p := range gptTable.Partitions {
		if p == nil || p.Type == gpt.Unused {
			continue
		}
		designator, arch, known := classify(string(p.Type))
		if !known {
			log.WithFields(logrus.Fields{
				"partno": i + 1,
				"type":   string(p.Type),
			}).Debug("skipping partition of unknown type")
			continue
		}

		part := Partition{
			Designator:   designator,
			Node:         PartitionNode(loopDevice, i+1),
			Architecture: arch,
			ReadWrite:    !flags.ReadOnly && p.Attributes&gptReadOnlyAttr == 0,
			PartNo:       i + 1,
		}
		if id, err := uuid.Parse(p.GUID); err == nil {
			part.UUID = id
		}
		if fstype, err := probeMagic(imagePath, p.GetStart()); err == nil {
			part.FSType = fstype
		} else if fs, err := d.GetFilesystem(i + 1); err == nil {
			part.FSType = diskfsTypeName(fs.Type())
		}

		img.Partitions = append(img.Partitions, part)
	}

	img.pairVerity()
	return img, nil
}

// gptReadOnlyAttr is bit 60, the discoverable-partitions read-only
// attribute.
const gptReadOnlyAttr = uint64(1) << 60

// pairVerity marks data partitions that have a matching verity hash
// partition in the same image.
func (img *Image) pairVerity() {
	for i := range img.Partitions {
		p := &img.Partitions[i]
		var partner Designator
		switch p.Designator {
		case DesignatorRoot:
			partner = DesignatorRootVerity
		case DesignatorUsr:
			partner = DesignatorUsrVerity
		default:
			continue
		}
		if img.Find(partner) != nil {
			p.HasVerity = true
			p.ReadWrite = false
		}
	}
}

// Find returns the first partition with the given designator, or nil.
func (img *Image) Find(d Designator) *Partition {
	for i := range img.Partitions {
		if img.Partitions[i].Designator == d {
			return &img.Partitions[i]
		}
	}
	return nil
}

// RootPartition returns the partition carrying the OS tree.
func (img *Image) RootPartition() (*Partition, error) {
	if p := img.Find(DesignatorRoot); p != nil {
		return p, nil
	}
	if p := img.Find(DesignatorGeneric); p != nil {
		return p, nil
	}
	return nil, fmt.Errorf("%w: image %s has no root partition", imagerr.ErrResourceAcquisition, img.Name)
}

// CanVerity reports whether verity protection is available for the
// partition: either a hash partition inside the image or an external
// hash-tree data file.
func (img *Image) CanVerity(p *Partition) bool {
	if p.HasVerity {
		return true
	}
	return img.Verity != nil && img.Verity.UsesExternalData() && p.Designator == DesignatorRoot
}

// HasVerity reports whether verity can actually be enabled for the
// partition, which additionally needs the root hash.
func (img *Image) HasVerity(p *Partition) bool {
	return img.CanVerity(p) && img.Verity != nil && img.Verity.HasRootHash()
}

// VerityHashPartner returns the hash partition for a protected data
// partition, or nil when the hash tree is external or absent.
func (img *Image) VerityHashPartner(p *Partition) *Partition {
	switch p.Designator {
	case DesignatorRoot:
		return img.Find(DesignatorRootVerity)
	case DesignatorUsr:
		return img.Find(DesignatorUsrVerity)
	default:
		return nil
	}
}

// NeedsDecryption reports whether any partition requires a
// device-mapper mapping before it can be mounted.
func (img *Image) NeedsDecryption() bool {
	for i := range img.Partitions {
		p := &img.Partitions[i]
		if p.FSType == FSTypeLUKS || img.HasVerity(p) {
			return true
		}
	}
	return false
}

// PartitionNode derives the device node for partition n of a device.
// Devices whose name ends in a digit (loop0, nvme0n1) get a "p"
// separator.
func PartitionNode(device string, n int) string {
	if device == "" {
		return ""
	}
	last := device[len(device)-1]
	if last >= '0' && last <= '9' {
		return fmt.Sprintf("%sp%d", device, n)
	}
	return fmt.Sprintf("%s%d", device, n)
}

func diskfsTypeName(t filesystem.Type) string {
	switch t {
	case filesystem.TypeFat32:
		return "vfat"
	case filesystem.TypeISO9660:
		return "iso9660"
	case filesystem.TypeSquashfs:
		return "squashfs"
	case filesystem.TypeExt4:
		return "ext4"
	default:
		return ""
	}
}
