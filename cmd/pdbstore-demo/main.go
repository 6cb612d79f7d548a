// Command pdbstore-demo provisions an in-memory read-only area, mounts a
// store over it and a writable bank, and drives a few operations — a
// runnable smoke test for the library, the way the teacher's own main.go
// wired a store to something that could actually be run.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/rs/zerolog"

	"github.com/arm-mbed/pdbstore/media"
	"github.com/arm-mbed/pdbstore/media/memdisk"
	"github.com/arm-mbed/pdbstore/pdbstore"
	"github.com/arm-mbed/pdbstore/provision"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

	roBank, _ := memdisk.New(4096, 0, 0xFF)
	if err := provision.ReadOnly(roBank, []provision.Record{
		{Key: "name4", Data: []byte("value4")},
	}); err != nil {
		log.Fatalf("provision: %v", err)
	}

	rwBank, _ := memdisk.New(4096, 0, 0xFF)

	store, err := pdbstore.Open([]media.Bank{*roBank, *rwBank}, pdbstore.WithLogger(logger))
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	defer store.Close()

	if err := store.Set("key1", []byte("val1"), 0); err != nil {
		log.Fatalf("set: %v", err)
	}

	got, err := store.Get("key1")
	if err != nil {
		log.Fatalf("get: %v", err)
	}
	fmt.Printf("key1 = %s\n", got)

	got, err = store.Get("name4")
	if err != nil {
		log.Fatalf("get: %v", err)
	}
	fmt.Printf("name4 = %s\n", got)
}
