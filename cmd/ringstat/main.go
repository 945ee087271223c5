/*
 *
 * Copyright 2025 The LinuxCNC Go Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// ringstat inspects live shared-memory rings without registering as an
// attacher: it maps each existing segment in a namespace read-only in
// effect (nothing is written, nothing is deleted) and prints the ring
// header state. Useful when a ringsh session or a control process holds
// rings open and something looks stuck.
package main

import (
	"fmt"
	"log"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/Larissa1990/linuxcnc/internal/shmseg"
	"github.com/Larissa1990/linuxcnc/ringbuf"
	"github.com/Larissa1990/linuxcnc/ringreg"
)

func main() {
	namespace := flag.StringP("namespace", "n", "", "segment namespace to scan")
	baseKey := flag.Uint32P("base-key", "k", ringreg.DefaultBaseKey, "base segment key")
	flag.Parse()

	if *namespace == "" {
		fmt.Fprintln(os.Stderr, "usage: ringstat -n <namespace> [-k <base-key>]")
		os.Exit(2)
	}

	backend := shmseg.New(*namespace)
	defer backend.Close()

	found := 0
	for h := 0; h < ringreg.MaxRings; h++ {
		key := *baseKey + uint32(h)
		if !backend.SegmentProbe(key) {
			continue
		}

		id, err := backend.SegmentCreate(key, 0, 0)
		if err != nil {
			log.Printf("ring %d: map failed: %v", h, err)
			continue
		}
		mem, err := backend.SegmentBytes(id)
		if err != nil {
			log.Printf("ring %d: pointer failed: %v", h, err)
			continue
		}
		ring, err := ringbuf.Attach(mem)
		if err != nil {
			log.Printf("ring %d: segment exists but header is invalid: %v", h, err)
			continue
		}

		mode := "stream"
		if ring.Flags()&ringbuf.ModeRecord != 0 {
			mode = "record"
		}
		fmt.Printf("ring %d: key=0x%08x mode=%s capacity=%d used=%d scratchpad=%d segment=%d bytes\n",
			h, key, mode, ring.Capacity(), ring.Used(), len(ring.Scratchpad()), len(mem))
		found++
	}

	if found == 0 {
		fmt.Printf("no rings found in namespace %q\n", *namespace)
	}
}
