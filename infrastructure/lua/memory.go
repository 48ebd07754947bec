package lua

import (
	"context"
	"errors"
	"math"
	"regexp"
	"strconv"
	"unsafe"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
	lua "github.com/yuin/gopher-lua"
)

const memoryLimitMessage = "memory limit exceeded"

var errMemoryLimit = errors.New(memoryLimitMessage)

// Approximate sizes of values as held by gopher-lua.
const (
	valueSize        = 16
	stringOverhead   = 16
	tableOverhead    = 64
	slotSize         = 32
	functionOverhead = 64
	userDataOverhead = 48

	// sharedStringSize is the length from which strings are counted once
	// however many values refer to them.
	sharedStringSize = 64
)

// Measurement runs every interval VM instructions; the interval grows with
// the measured size so that large states are not rescanned constantly.
const (
	minMeterInterval  = 1024
	maxMeterInterval  = 1 << 14
	meterBytesPerStep = 256
)

// meter tracks how much memory the values reachable from a state hold,
// net of what the bare state holds after setup. It is only used from the
// goroutine running the state.
type meter struct {
	L        *lua.LState
	frames   int
	limit    uint64
	baseline uint64
	used     uint64
	exceeded bool
	steps    int
	interval int
	seen     map[unsafe.Pointer]struct{}
	tripped  chan struct{}
}

func newMeter(L *lua.LState, limits entities.ResourceLimits) *meter {
	m := &meter{
		L:        L,
		frames:   limits.MaxCallDepth + 1,
		limit:    limits.MemoryLimitBytes,
		interval: minMeterInterval,
		seen:     make(map[unsafe.Pointer]struct{}),
		tripped:  make(chan struct{}),
	}
	m.calibrate()
	return m
}

// calibrate records what the state holds before any plugin code runs.
func (m *meter) calibrate() {
	m.baseline = m.measure(math.MaxUint64)
}

// reset starts a call: the budget is re-measured and a previous trip is
// forgotten.
func (m *meter) reset() {
	if m.exceeded {
		m.exceeded = false
		m.tripped = make(chan struct{})
	}
	m.steps = 0
	m.sample()
}

// sample measures the state and trips the meter when it is over the limit.
func (m *meter) sample() bool {
	total := m.measure(addSat(m.baseline, m.limit))
	m.used = 0
	if total > m.baseline {
		m.used = total - m.baseline
	}
	m.interval = max(minMeterInterval, min(int(m.used/meterBytesPerStep), maxMeterInterval)) //nolint:gosec // G115: clamped
	if m.used > m.limit {
		m.trip()
	}
	return m.exceeded
}

func (m *meter) trip() {
	if !m.exceeded {
		m.exceeded = true
		close(m.tripped)
	}
}

// tick is called once per VM instruction.
func (m *meter) tick() bool {
	if m.exceeded {
		return true
	}
	m.steps++
	if m.steps < m.interval {
		return false
	}
	m.steps = 0
	return m.sample()
}

// reserve accounts for n bytes about to be allocated by a library call.
// It reports false, and trips the meter, when that would pass the limit.
func (m *meter) reserve(n uint64) bool {
	if n > m.limit || m.used > m.limit-n {
		m.trip()
		return false
	}
	m.used += n
	return true
}

// measure sums the approximate size of everything reachable from the
// globals, the registry and the live call frames. It stops once the total
// passes ceiling. Frames past the call depth limit are not visited; tail
// calls can make GetStack repeat the bottom frame.
func (m *meter) measure(ceiling uint64) uint64 {
	clear(m.seen)
	w := &walker{seen: m.seen, ceiling: ceiling}
	w.add(m.L.G.Global)
	w.add(m.L.G.Registry)
	for level := 0; level < m.frames && w.total <= ceiling; level++ {
		dbg, ok := m.L.GetStack(level)
		if !ok {
			break
		}
		if fn, err := m.L.GetInfo("f", dbg, lua.LNil); err == nil {
			w.add(fn)
		}
		for n := 1; ; n++ {
			name, v := m.L.GetLocal(dbg, n)
			if name == "" {
				break
			}
			w.total += valueSize
			w.add(v)
		}
	}
	w.drain()
	return w.total
}

type walker struct {
	seen    map[unsafe.Pointer]struct{}
	pending []lua.LValue
	total   uint64
	ceiling uint64
}

// visit reports whether p was already counted.
func (w *walker) visit(p unsafe.Pointer) bool {
	if _, ok := w.seen[p]; ok {
		return true
	}
	w.seen[p] = struct{}{}
	return false
}

func (w *walker) add(v lua.LValue) {
	switch v := v.(type) {
	case lua.LString:
		n := uint64(len(v))
		if n >= sharedStringSize && w.visit(unsafe.Pointer(unsafe.StringData(string(v)))) {
			return
		}
		w.total += stringOverhead + n
	case *lua.LTable:
		if v != nil && !w.visit(unsafe.Pointer(v)) {
			w.pending = append(w.pending, v)
		}
	case *lua.LFunction:
		if v != nil && !w.visit(unsafe.Pointer(v)) {
			w.pending = append(w.pending, v)
		}
	case *lua.LUserData:
		if v != nil && !w.visit(unsafe.Pointer(v)) {
			w.pending = append(w.pending, v)
		}
	}
}

func (w *walker) drain() {
	for len(w.pending) > 0 && w.total <= w.ceiling {
		v := w.pending[len(w.pending)-1]
		w.pending = w.pending[:len(w.pending)-1]
		switch v := v.(type) {
		case *lua.LTable:
			w.total += tableOverhead
			v.ForEach(func(key, value lua.LValue) {
				w.total += slotSize
				w.add(key)
				w.add(value)
			})
			w.add(v.Metatable)
		case *lua.LFunction:
			w.total += functionOverhead
			if v.Env != nil {
				w.add(v.Env)
			}
			for _, uv := range v.Upvalues {
				if uv != nil {
					w.total += valueSize
					w.add(uv.Value())
				}
			}
		case *lua.LUserData:
			w.total += userDataOverhead
			w.add(v.Metatable)
			if v.Env != nil {
				w.add(v.Env)
			}
		}
	}
}

// meteredContext is bound to the state while a call runs. gopher-lua polls
// Done before every instruction, which drives the meter; once it trips,
// Done is closed and Err reports the memory limit.
type meteredContext struct {
	context.Context
	m *meter
}

func (c *meteredContext) Done() <-chan struct{} {
	if c.m.tick() {
		return c.m.tripped
	}
	return c.Context.Done()
}

func (c *meteredContext) Err() error {
	if c.m.exceeded {
		return errMemoryLimit
	}
	return c.Context.Err()
}

// hostContext strips the meter so the context can be handed to code that
// runs outside the state's goroutine.
func hostContext(ctx context.Context) context.Context {
	if mc, ok := ctx.(*meteredContext); ok {
		return mc.Context
	}
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// installAllocationLimits replaces the library functions that can build
// large strings in one step with versions that reserve the result size
// first.
func installAllocationLimits(L *lua.LState, m *meter) {
	if lib, ok := L.GetGlobal(lua.StringLibName).(*lua.LTable); ok {
		limitFunc(L, lib, "rep", m, repSize)
		limitFunc(L, lib, "format", m, formatSize)
		limitFunc(L, lib, "gsub", m, gsubSize)
	}
	if lib, ok := L.GetGlobal(lua.TabLibName).(*lua.LTable); ok {
		limitFunc(L, lib, "concat", m, concatSize)
	}
}

func limitFunc(L *lua.LState, lib *lua.LTable, name string, m *meter, size func(*lua.LState) uint64) {
	orig, ok := lib.RawGetString(name).(*lua.LFunction)
	if !ok || !orig.IsG {
		return
	}
	lib.RawSetString(name, L.NewFunction(func(L *lua.LState) int {
		if !m.reserve(size(L)) {
			L.RaiseError(memoryLimitMessage)
		}
		return orig.GFunction(L)
	}))
}

func mulSat(a, b uint64) uint64 {
	if a != 0 && b > math.MaxUint64/a {
		return math.MaxUint64
	}
	return a * b
}

func addSat(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

func repSize(L *lua.LState) uint64 {
	s, ok := L.Get(1).(lua.LString)
	n, isNum := L.Get(2).(lua.LNumber)
	if !ok || !isNum || n <= 0 {
		return 0
	}
	if n > 1<<53 {
		return math.MaxUint64
	}
	return mulSat(uint64(len(s)), uint64(n))
}

var formatWidth = regexp.MustCompile(`%[-+ #0]*(\d*)(?:\.(\d+))?`)

func formatSize(L *lua.LState) uint64 {
	f, ok := L.Get(1).(lua.LString)
	if !ok {
		return 0
	}
	total := uint64(len(f))
	for _, match := range formatWidth.FindAllStringSubmatch(string(f), -1) {
		for _, digits := range match[1:] {
			if digits == "" {
				continue
			}
			w, err := strconv.ParseUint(digits, 10, 64)
			if err != nil {
				return math.MaxUint64
			}
			total = addSat(total, w)
		}
	}
	for i := 2; i <= L.GetTop(); i++ {
		switch v := L.Get(i).(type) {
		case lua.LString:
			total = addSat(total, uint64(len(v)))
		default:
			total = addSat(total, valueSize*2)
		}
	}
	return total
}

func gsubSize(L *lua.LState) uint64 {
	s, ok := L.Get(1).(lua.LString)
	if !ok {
		return 0
	}
	repl, ok := L.Get(3).(lua.LString)
	if !ok {
		return uint64(len(s))
	}
	n := uint64(len(s))
	captures := uint64(0)
	for i := 0; i < len(repl); i++ {
		if repl[i] == '%' {
			captures++
		}
	}
	return addSat(addSat(n, mulSat(n+1, uint64(len(repl)))), mulSat(captures, n))
}

func concatSize(L *lua.LState) uint64 {
	tbl, ok := L.Get(1).(*lua.LTable)
	if !ok {
		return 0
	}
	sep := uint64(0)
	if s, ok := L.Get(2).(lua.LString); ok {
		sep = uint64(len(s))
	}
	i, j := 1, tbl.Len()
	if n, ok := L.Get(3).(lua.LNumber); ok {
		i = max(int(n), 1)
	}
	if n, ok := L.Get(4).(lua.LNumber); ok {
		j = min(int(n), tbl.Len())
	}
	total := uint64(0)
	for k := i; k <= j; k++ {
		switch v := tbl.RawGetInt(k).(type) {
		case lua.LString:
			total = addSat(total, uint64(len(v)))
		case lua.LNumber:
			total = addSat(total, valueSize*2)
		}
		if k != j {
			total = addSat(total, sep)
		}
	}
	return total
}
