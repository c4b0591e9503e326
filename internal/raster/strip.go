package raster

// ScanDirection records which way the carriage moved while a strip was
// acquired.
type ScanDirection int

const (
	Forward ScanDirection = iota
	Reverse
)

func (d ScanDirection) String() string {
	if d == Reverse {
		return "reverse"
	}
	return "forward"
}

// Strip is one unit of line-scan data delivered by the acquisition side.
// Strips are immutable once produced.
type Strip struct {
	ID        uint64        // monotonically increasing sequence id
	Position  float64       // distance along the scan axis (mm)
	Direction ScanDirection // carriage direction during acquisition
	Raster    *Raster
}

// Oriented returns the strip raster in forward scan order. Reverse strips
// arrive with their lines in reverse order and are flipped; forward strips
// are returned as-is without copying.
func (s Strip) Oriented() *Raster {
	if s.Raster == nil || s.Direction == Forward {
		return s.Raster
	}
	return s.Raster.FlipRows()
}
