package processor

import (
	"receiver/geometry"
	"receiver/utils"
)

// insertGapPixels rewrites one Eiger port image into its gap-pixel layout.
//
// buf holds the raw image (ImageSize bytes) and must have room for
// GapImageSize bytes; scratch must hold GapImageSize bytes. The first output
// row is the module seam and stays 0xFF. Each chip line is copied with a
// 2-pixel gap between the chips and a 1-pixel seam on the outer edge, on the
// right for even ports and on the left for odd ones. The real pixels on
// either side of every gap are halved and the halves copied into the gap.
func insertGapPixels(g *geometry.Geometry, port int, buf, scratch []byte) {
	nx, ny := g.GapPixelsX, g.GapPixelsY
	size := g.GapImageSize
	px := g.DynamicRange / 8
	chip := geometry.EigerChipPixels * px
	line := nx * px

	right := port%2 == 1
	ofst := 0
	if right {
		ofst = px
	}

	tmp := scratch[:size]
	utils.Fill(tmp, 0xFF)

	src, dst := 0, line+ofst
	for i := 0; i < ny-1; i++ {
		copy(tmp[dst:dst+chip], buf[src:src+chip])
		src += chip
		dst += chip + 2*px
		copy(tmp[dst:dst+chip], buf[src:src+chip])
		src += chip
		dst += chip + px
	}

	for row := line; row < line*ny; row += line {
		gp1 := row + ofst + chip - px
		gp2 := gp1 + 3*px
		split(tmp, gp1, gp1+px, px)
		split(tmp, gp2, gp2-px, px)
		if right {
			split(tmp, row+px, row, px)
		} else {
			gp3 := row + line - 2*px
			split(tmp, gp3, gp3+px, px)
		}
	}

	copy(buf[:size], tmp)
}

// split halves the pixel at src and copies the half into the gap pixel at dst.
//
//go:nosplit
//go:inline
func split(b []byte, src, dst, px int) {
	switch px {
	case 1:
		b[src] /= 2
		b[dst] = b[src]
	case 2:
		v := utils.LoadLE16(b[src:]) / 2
		utils.StoreLE16(b[src:], v)
		utils.StoreLE16(b[dst:], v)
	case 4:
		v := utils.LoadLE32(b[src:]) / 2
		utils.StoreLE32(b[src:], v)
		utils.StoreLE32(b[dst:], v)
	}
}
