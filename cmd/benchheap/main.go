// Command benchheap drives internal/heap under synthetic alloc/free
// workloads and records the results as pprof profiles: a standard CPU
// profile of the run via runtime/pprof, plus a custom profile built
// directly with github.com/google/pprof/profile recording a sample per
// size class (count and bytes allocated), so `go tool pprof` can show
// where a given workload's allocations land across the bin allocator's
// size classes. The teacher carries github.com/google/pprof as a direct
// dependency with no call site among its retained files; this tool is
// the wiring that gives it one.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"runtime/pprof"
	"time"
	"unsafe"

	"github.com/google/pprof/profile"

	"armkernel/internal/heap"
)

var defaultSizes = []int{16, 32, 64, 128, 256, 1024, 4096, 16384}

type liveBlock struct {
	ptr   uintptr
	size  int
	align int
}

// workload allocates and frees randomly from sizes against h for
// iterations rounds, keeping a bounded working set of live blocks so
// Dealloc is exercised alongside Alloc, and returns per-size-class
// allocation counts and live byte totals at the end of the run (the
// blocks still live then are freed before returning, without changing
// those totals).
func workload(h *heap.HeapRegion, sizes []int, iterations int, rng *rand.Rand) (counts map[int]int, liveBytes map[int]int64) {
	counts = make(map[int]int, len(sizes))
	liveBytes = make(map[int]int64, len(sizes))

	const maxLive = 256
	var live []liveBlock

	for i := 0; i < iterations; i++ {
		if len(live) >= maxLive || (len(live) > 0 && rng.Intn(2) == 0) {
			idx := rng.Intn(len(live))
			b := live[idx]
			h.Dealloc(b.ptr, b.size, b.align)
			liveBytes[b.size] -= int64(b.size)
			live[idx] = live[len(live)-1]
			live = live[:len(live)-1]
			continue
		}

		size := sizes[rng.Intn(len(sizes))]
		const align = 8
		p := h.Alloc(size, align)
		if p == 0 {
			continue // exhausted at this size class; skip and keep going
		}
		counts[size]++
		liveBytes[size] += int64(size)
		live = append(live, liveBlock{ptr: p, size: size, align: align})
	}

	for _, b := range live {
		h.Dealloc(b.ptr, b.size, b.align)
	}

	return counts, liveBytes
}

// buildSizeClassProfile encodes one sample per size class (alloc count,
// bytes allocated over the run) as a pprof profile.Profile, the shape
// `go tool pprof` expects for a heap-style report.
func buildSizeClassProfile(sizes []int, counts map[int]int, bytesAllocated map[int]int64) *profile.Profile {
	countType := &profile.ValueType{Type: "allocations", Unit: "count"}
	bytesType := &profile.ValueType{Type: "bytes", Unit: "bytes"}

	p := &profile.Profile{
		SampleType: []*profile.ValueType{countType, bytesType},
		PeriodType: countType,
		Period:     1,
		TimeNanos:  time.Now().UnixNano(),
	}

	funcs := make(map[int]*profile.Function, len(sizes))
	locs := make(map[int]*profile.Location, len(sizes))
	for i, size := range sizes {
		id := uint64(i + 1)
		fn := &profile.Function{ID: id, Name: fmt.Sprintf("bin(size=%d)", size)}
		loc := &profile.Location{ID: id, Line: []profile.Line{{Function: fn}}}
		funcs[size] = fn
		locs[size] = loc
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
	}

	for _, size := range sizes {
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{locs[size]},
			Value:    []int64{int64(counts[size]), bytesAllocated[size]},
		})
	}

	return p
}

func main() {
	var (
		iterations int
		seed       int64
		cpuprofile string
		out        string
	)
	flag.IntVar(&iterations, "n", 200_000, "allocation/free operations to perform")
	flag.Int64Var(&seed, "seed", 1, "PRNG seed, for a reproducible workload")
	flag.StringVar(&cpuprofile, "cpuprofile", "", "write a runtime/pprof CPU profile here")
	flag.StringVar(&out, "o", "benchheap.pb.gz", "write the size-class pprof profile here")
	flag.Parse()

	if cpuprofile != "" {
		f, err := os.Create(cpuprofile)
		if err != nil {
			log.Fatalf("benchheap: %v", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatalf("benchheap: starting CPU profile: %v", err)
		}
		defer pprof.StopCPUProfile()
	}

	const regionSize = 256 << 20
	region := make([]byte, regionSize)
	start := uintptr(unsafe.Pointer(&region[0]))
	h := heap.NewHeapRegion(start, start+regionSize)

	rng := rand.New(rand.NewSource(seed))
	started := time.Now()
	counts, live := workload(h, defaultSizes, iterations, rng)
	elapsed := time.Since(started)

	bytesAllocated := make(map[int]int64, len(defaultSizes))
	for size, n := range counts {
		bytesAllocated[size] = int64(n) * int64(size)
	}

	fmt.Printf("benchheap: %d ops across %d size classes in %s\n", iterations, len(defaultSizes), elapsed)
	for _, size := range defaultSizes {
		fmt.Printf("  size %6d: %8d allocs, %5d still live at end\n", size, counts[size], live[size]/int64(size))
	}

	p := buildSizeClassProfile(defaultSizes, counts, bytesAllocated)
	if err := p.CheckValid(); err != nil {
		log.Fatalf("benchheap: built an invalid profile: %v", err)
	}
	f, err := os.Create(out)
	if err != nil {
		log.Fatalf("benchheap: %v", err)
	}
	defer f.Close()
	if err := p.Write(f); err != nil {
		log.Fatalf("benchheap: writing profile: %v", err)
	}
	fmt.Printf("benchheap: wrote profile to %s\n", out)
}
