package ridge

import "testing"

func TestBlockCachePutGet(t *testing.T) {
	c := NewBlockCache(8)
	b := &Block{}
	c.Put(3, b)
	got, ok := c.Get(3)
	if !ok || got != b {
		t.Fatal("expected cached block back")
	}
	if _, ok := c.Get(4); ok {
		t.Fatal("miss expected for uncached block id")
	}
}

func TestBlockCacheEvictionAlwaysAdmits(t *testing.T) {
	// With every slot occupied a put still lands: either a touched==0
	// victim inside the probe window or the forced overwrite at the
	// original probe position.
	c := NewBlockCache(2)
	c.Put(0, &Block{})
	c.Put(1, &Block{})
	c.Get(0)
	c.Get(1)
	b4 := &Block{}
	c.Put(4, b4)
	if got, ok := c.Get(4); !ok || got != b4 {
		t.Fatal("newly put block must be resident after eviction")
	}
}

func TestBlockCacheTouchKeepsHotEntries(t *testing.T) {
	c := NewBlockCache(8)
	hot := &Block{}
	c.Put(1, hot)
	for i := 0; i < 3; i++ {
		c.Get(1)
	}
	// A put probing over slot 1 decrements but must not displace it while
	// an empty slot is in the window.
	c.Put(9, &Block{})
	if got, ok := c.Get(1); !ok || got != hot {
		t.Fatal("hot entry displaced by put that had empty slots available")
	}
}

func TestBlockCacheInvalidate(t *testing.T) {
	c := NewBlockCache(4)
	c.Put(2, &Block{})
	c.Invalidate(2)
	if _, ok := c.Get(2); ok {
		t.Fatal("invalidated block still resident")
	}
}
