package media_test

import (
	"errors"
	"testing"

	"github.com/arm-mbed/pdbstore/media"
	"github.com/arm-mbed/pdbstore/media/memdisk"
)

func TestProgramRejectsUnerasedTarget(t *testing.T) {
	bank, _ := memdisk.New(256, 0, 0xFF)
	area := &media.Area{Bank: bank, Address: 0, Size: 256}

	if err := area.Program(0, []byte("hello")); err != nil {
		t.Fatalf("first program on erased media: %v", err)
	}
	if err := area.Program(0, []byte("world")); !errors.Is(err, media.ErrNotErased) {
		t.Fatalf("second program over unerased bytes: got %v, want ErrNotErased", err)
	}
}

func TestProgramThenReadRoundTrip(t *testing.T) {
	bank, _ := memdisk.New(256, 0, 0xFF)
	area := &media.Area{Bank: bank, Address: 0, Size: 256}

	if err := area.Program(10, []byte("payload")); err != nil {
		t.Fatalf("program: %v", err)
	}
	got, err := area.Read(10, 7)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("read %q, want %q", got, "payload")
	}
}

func TestResetAreaSkipsAlreadyErased(t *testing.T) {
	bank, disk := memdisk.New(64, 0, 0xFF)
	area := &media.Area{Bank: bank, Address: 0, Size: 64}

	erases := 0
	driverErase := bank.Erase
	bank.Erase = func(addr, size uint32) error {
		erases++
		return driverErase(addr, size)
	}

	restore := disk.SuppressErase()
	if err := area.ResetArea(0); err != nil {
		t.Fatalf("ResetArea on already-erased area should not need to erase: %v", err)
	}
	restore()
	if erases != 0 {
		t.Fatalf("ResetArea on already-erased area called erase %d time(s), want 0", erases)
	}

	if err := area.Program(0, []byte("x")); err != nil {
		t.Fatalf("program: %v", err)
	}
	if err := area.ResetArea(0); err != nil {
		t.Fatalf("ResetArea: %v", err)
	}
	buf, err := area.Read(0, 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if buf[0] != 0xFF {
		t.Fatalf("byte after ResetArea = %#x, want erase value 0xFF", buf[0])
	}
}

func TestSliceAliasesMappedBank(t *testing.T) {
	bank, _ := memdisk.New(32, 0, 0xFF)
	area := &media.Area{Bank: bank, Address: 0, Size: 32}

	if err := area.Program(0, []byte("abc")); err != nil {
		t.Fatalf("program: %v", err)
	}
	s, ok := area.Slice(0, 3)
	if !ok {
		t.Fatalf("Slice reported not mapped for a memdisk bank")
	}
	if string(s) != "abc" {
		t.Fatalf("Slice = %q, want %q", s, "abc")
	}
}

func TestDiskTruncateSimulatesPowerLoss(t *testing.T) {
	bank, disk := memdisk.New(32, 0, 0xFF)
	area := &media.Area{Bank: bank, Address: 0, Size: 32}

	if err := area.Program(0, []byte("0123456789")); err != nil {
		t.Fatalf("program: %v", err)
	}

	torn := disk.Truncate(4)
	for i, want := range []byte("0123") {
		if torn[i] != want {
			t.Fatalf("torn[%d] = %#x, want %#x", i, torn[i], want)
		}
	}
	for i := 4; i < len(torn); i++ {
		if torn[i] != 0xFF {
			t.Fatalf("torn[%d] = %#x, want erase value 0xFF past the torn point", i, torn[i])
		}
	}

	// Truncate must not mutate the live disk.
	live, err := area.Read(0, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(live) != "0123456789" {
		t.Fatalf("live disk mutated by Truncate: %q", live)
	}
}

func TestOutOfRangeAccessRejected(t *testing.T) {
	bank, _ := memdisk.New(16, 0, 0xFF)
	area := &media.Area{Bank: bank, Address: 0, Size: 16}

	if _, err := area.Read(10, 10); !errors.Is(err, media.ErrRead) {
		t.Fatalf("out-of-range read: got %v, want ErrRead", err)
	}
	if err := area.Program(10, make([]byte, 10)); !errors.Is(err, media.ErrWrite) {
		t.Fatalf("out-of-range program: got %v, want ErrWrite", err)
	}
}
