// Package imagestore stores disk images as block overlay files.
//
// Each image has a header naming its parent, a block map and append-only
// data slots. Reads fall through to the parent for blocks the image does
// not hold, which makes every image but a base a differencing image. The
// Store implements medium.Backend and medium.Digester; Files handles the
// saved-state and NVRAM files of machines.
package imagestore
