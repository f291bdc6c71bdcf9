package wire

import "fmt"

// PackAdvertise splits a catalog snapshot into ADVERTISE pages that each fit
// in maxPayload bytes. Pages are numbered from 0 and only the last has More
// unset. An empty snapshot yields a single empty page.
func PackAdvertise(id ID, entries []Entry, maxPayload int) ([]Advertise, error) {
	if maxPayload > MaxMessageSize {
		maxPayload = MaxMessageSize
	}
	capacity := maxPayload - advertiseHeader
	if capacity <= 0 {
		return nil, fmt.Errorf("pack advertise: payload %d: %w", maxPayload, ErrInvalidCommand)
	}

	var pages []Advertise
	cur := Advertise{ID: id}
	used := 0
	for _, e := range entries {
		if err := validName(e.Name); err != nil {
			return nil, fmt.Errorf("pack advertise %q: %w", e.Name, err)
		}
		n := entrySize(e)
		if n > capacity {
			return nil, fmt.Errorf("pack advertise %q: entry exceeds page: %w", e.Name, ErrInvalidCommand)
		}
		if used+n > capacity {
			pages = append(pages, cur)
			cur = Advertise{ID: id}
			used = 0
		}
		cur.Entries = append(cur.Entries, e)
		used += n
	}
	pages = append(pages, cur)

	for i := range pages {
		pages[i].Page = uint64(i)
		pages[i].More = i < len(pages)-1
	}
	return pages, nil
}
