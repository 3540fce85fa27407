// Package samples provides the read-through cache of decoded sample
// buffers the render pipeline plays from.
package samples

// library maps sample names to their relative paths in the remote sample
// repository, indexed by variation. The set is small and fixed, so
// HasSample can answer synchronously from this table.
var library = map[string][]string{
	"bd":    {"bd/bd_0.wav", "bd/bd_1.wav", "bd/bd_2.wav"},
	"sd":    {"sd/sd_0.wav", "sd/sd_1.wav"},
	"hh":    {"hh/hh_0.wav", "hh/hh_1.wav", "hh/hh_2.wav"},
	"oh":    {"oh/oh_0.wav"},
	"cp":    {"cp/cp_0.wav"},
	"rim":   {"rim/rim_0.wav"},
	"lt":    {"lt/lt_0.wav"},
	"mt":    {"mt/mt_0.wav"},
	"ht":    {"ht/ht_0.wav"},
	"cb":    {"cb/cb_0.wav"},
	"crash": {"crash/crash_0.wav"},
	"ride":  {"ride/ride_0.wav"},
	"arpy":  {"arpy/arpy_0.wav", "arpy/arpy_1.wav"},
	"casio": {"casio/casio_0.wav"},
	"jazz":  {"jazz/jazz_0.wav"},
	"metal": {"metal/metal_0.wav"},
}

// HasSample reports whether name is in the embedded sound library.
func HasSample(name string) bool {
	_, ok := library[name]
	return ok
}

// resolvePath returns the repository-relative path for (name, index),
// wrapping the index over the available variations.
func resolvePath(name string, index int) (string, bool) {
	paths, ok := library[name]
	if !ok || len(paths) == 0 {
		return "", false
	}
	if index < 0 {
		index = 0
	}
	return paths[index%len(paths)], true
}
