package trampoline

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type fakeSlots struct {
	mu     sync.Mutex
	vals   map[uintptr]uint64
	pages  map[uintptr][]byte
	stores []uintptr
}

func newFakeSlots() *fakeSlots {
	return &fakeSlots{
		vals:  make(map[uintptr]uint64),
		pages: make(map[uintptr][]byte),
	}
}

func (f *fakeSlots) Load(addr uintptr) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vals[addr]
}

func (f *fakeSlots) Store(addr uintptr, v uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vals[addr] = v
	f.stores = append(f.stores, addr)
}

func (f *fakeSlots) State(addr uintptr) (*State, error) {
	page, ok := f.pages[addr]
	if !ok {
		return nil, ErrBadState
	}
	return AttachState(page)
}

// armedSlots 返回已由追踪器写入 ProcessState 地址的槽位
func armedSlots(t *testing.T) (*fakeSlots, *State) {
	t.Helper()
	f := newFakeSlots()
	page := make([]byte, PageSize)
	st, err := InitState(page)
	if err != nil {
		t.Fatal(err)
	}
	f.pages[StatePage] = page
	f.vals[ProcessStateSlot] = uint64(StatePage)
	return f, st
}

type rawCall struct {
	entry uintptr
	no    uint64
}

func recorder() (RawSyscaller, func() []rawCall) {
	var mu sync.Mutex
	var calls []rawCall
	raw := func(entry uintptr, no uint64, args [6]uint64) int64 {
		mu.Lock()
		calls = append(calls, rawCall{entry, no})
		mu.Unlock()
		return int64(args[0])
	}
	return raw, func() []rawCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]rawCall(nil), calls...)
	}
}

func TestMarkers(t *testing.T) {
	if UntracedMarker != 0x70000002 || TracedMarker != 0x70000006 {
		t.Fatalf("markers: %#x %#x", UntracedMarker, TracedMarker)
	}
	if StubCode[0] != 0x0f || StubCode[1] != 0x05 || StubCode[4] != 0x0f || StubCode[5] != 0x05 {
		t.Fatalf("stub code does not start with syscall at both entries: % x", StubCode)
	}
}

func TestFailClosedBeforeInit(t *testing.T) {
	raw, calls := recorder()
	r := NewRegistration(newFakeSlots(), raw, func(*State, *ThreadState, uint64, [6]uint64) int64 {
		t.Fatal("callback invoked before init")
		return 0
	})
	if r.Armed() {
		t.Fatal("armed before init")
	}
	if got := r.Hook(&SyscallInfo{No: 39}); got != ENOSYS {
		t.Errorf("Hook = %d, want %d", got, ENOSYS)
	}
	if got := r.Traced(39, [6]uint64{}); got != ENOSYS {
		t.Errorf("Traced = %d, want %d", got, ENOSYS)
	}
	if got := r.Untraced(39, [6]uint64{}); got != ENOSYS {
		t.Errorf("Untraced = %d, want %d", got, ENOSYS)
	}
	if len(calls()) != 0 {
		t.Errorf("raw syscalls issued before init: %v", calls())
	}
}

func TestInitEmptySlot(t *testing.T) {
	raw, _ := recorder()
	f := newFakeSlots()
	r := NewRegistration(f, raw, nil)
	if err := r.Init(EntryPoints{Hook: 1}); err == nil {
		t.Fatal("expected error for empty process state slot")
	}
	if f.vals[ReadySlot] != 0 {
		t.Error("ready set after failed init")
	}
	if r.Armed() {
		t.Error("armed after failed init")
	}
}

func TestInitBadState(t *testing.T) {
	raw, _ := recorder()
	f := newFakeSlots()
	f.pages[StatePage] = make([]byte, PageSize) // 没有 magic
	f.vals[ProcessStateSlot] = uint64(StatePage)
	r := NewRegistration(f, raw, nil)
	if err := r.Init(EntryPoints{}); !errors.Is(err, ErrBadState) {
		t.Fatalf("Init = %v, want ErrBadState", err)
	}
	if len(f.stores) != 0 {
		t.Errorf("slots written on failure: %v", f.stores)
	}
}

func TestInitOrder(t *testing.T) {
	f, _ := armedSlots(t)
	raw, _ := recorder()
	r := NewRegistration(f, raw, nil)
	ep := EntryPoints{Hook: 0x1000, SyscallHelper: 0x2000, RPCHelper: 0x3000}
	if err := r.Init(ep); err != nil {
		t.Fatal(err)
	}
	want := []uintptr{HookSlot, SyscallHelperSlot, RPCHelperSlot, ReadySlot}
	if diff := cmp.Diff(want, f.stores); diff != "" {
		t.Errorf("store order (-want +got):\n%s", diff)
	}
	if f.vals[HookSlot] != 0x1000 || f.vals[ReadySlot] != 1 {
		t.Errorf("slots: %v", f.vals)
	}
	if err := r.Init(ep); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("second Init = %v", err)
	}
}

func TestEntries(t *testing.T) {
	f, st := armedSlots(t)
	raw, calls := recorder()
	r := NewRegistration(f, raw, nil)
	r.cb = r.Echo
	if err := r.Init(EntryPoints{}); err != nil {
		t.Fatal(err)
	}

	if got := r.Hook(&SyscallInfo{No: 1, Args: [6]uint64{7}}); got != 7 {
		t.Errorf("Hook = %d", got)
	}
	if got := r.Traced(2, [6]uint64{9}); got != 9 {
		t.Errorf("Traced = %d", got)
	}
	want := []rawCall{{UntracedEntry, 1}, {TracedEntry, 2}}
	if diff := cmp.Diff(want, calls(), cmp.AllowUnexported(rawCall{})); diff != "" {
		t.Errorf("raw calls (-want +got):\n%s", diff)
	}
	// 跟踪入口由追踪器计数，这里只有 Echo 的一次未跟踪调用
	if c := st.Snapshot(); c.Total != 1 || c.Captured != 0 || c.Mirror != 1 {
		t.Errorf("counters = %+v", c)
	}

	r.Invalidate()
	if got := r.Hook(&SyscallInfo{No: 1}); got != ENOSYS {
		t.Errorf("Hook after invalidate = %d", got)
	}
	if got := r.Hook(nil); got != ENOSYS {
		t.Errorf("Hook(nil) = %d", got)
	}
}

func TestCounters(t *testing.T) {
	st, err := InitState(make([]byte, PageSize))
	if err != nil {
		t.Fatal(err)
	}
	const workers, per = 8, 1000
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(k Kind) {
			defer wg.Done()
			for j := 0; j < per; j++ {
				st.NoteSyscall(k)
			}
		}(Kind(i % 2))
	}
	wg.Wait()
	c := st.Snapshot()
	if c.Total != workers*per || c.Captured != workers*per/2 {
		t.Errorf("counters = %+v", c)
	}
	if c.Mirror == 0 || c.Mirror > c.Total {
		t.Errorf("mirror = %d", c.Mirror)
	}
}

func TestCapturedOnly(t *testing.T) {
	st, _ := InitState(make([]byte, PageSize))
	for i := 0; i < 5; i++ {
		st.NoteSyscall(Captured)
	}
	if c := st.Snapshot(); c.Total != c.Captured || c.Mirror != 5 {
		t.Errorf("counters = %+v", c)
	}
}

func TestAttachState(t *testing.T) {
	page := make([]byte, PageSize)
	if _, err := AttachState(page); !errors.Is(err, ErrBadState) {
		t.Errorf("attach zero page: %v", err)
	}
	if _, err := AttachState(page[:16]); !errors.Is(err, ErrBadState) {
		t.Errorf("attach short page: %v", err)
	}
	a, err := InitState(page)
	if err != nil {
		t.Fatal(err)
	}
	b, err := AttachState(page)
	if err != nil {
		t.Fatal(err)
	}
	a.NoteSyscall(Captured)
	if c := b.Snapshot(); c.Total != 1 || c.Captured != 1 {
		t.Errorf("shared view counters = %+v", c)
	}
}
