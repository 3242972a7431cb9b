package vmi

// cacheLookup answers the translation cache: a hit returns the
// previously-resolved machine address for (pid, vaddr's page).
func (in *Instance) cacheLookup(pid int32, vaddr uint64) (uint64, bool) {
	key := cacheKey{pid: pid, vpage: vaddr &^ uint64(in.pageSize-1)}
	return in.translationCache.Get(key)
}

// cacheInsert records a resolved translation. Never called on an error
// path.
func (in *Instance) cacheInsert(pid int32, vaddr, mach uint64) {
	key := cacheKey{pid: pid, vpage: vaddr &^ uint64(in.pageSize-1)}
	in.translationCache.Put(key, mach)
}

// cacheInvalidate drops every translation-cache entry for pid, and pid's
// pgd-cache entry. Not a hot path; it is unexported, and no code in this
// package outside the tests calls it.
func (in *Instance) cacheInvalidate(pid int32) {
	in.translationCache.RemoveFunc(func(key cacheKey) bool { return key.pid == pid })
	in.pgdCache.Remove(pid)
}

func (in *Instance) pgdCacheLookup(pid int32) (uint64, bool) {
	return in.pgdCache.Get(pid)
}

func (in *Instance) pgdCacheInsert(pid int32, pgd uint64) {
	in.pgdCache.Put(pid, pgd)
}
