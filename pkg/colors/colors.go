package colors

// Slot is a named color bucket on the calendar.
type Slot string

const (
	Urgent  Slot = "urgent"
	High    Slot = "high"
	Medium  Slot = "medium"
	Low     Slot = "low"
	Default Slot = "default"
)

type slotState struct {
	ColorID string
	Label   string
}

// Google Calendar event palette: 11 Tomato, 6 Tangerine, 5 Banana, 2 Sage, 8 Graphite.
var slots = map[Slot]slotState{
	Urgent:  {ColorID: "11", Label: "Urgent"},
	High:    {ColorID: "6", Label: "High"},
	Medium:  {ColorID: "5", Label: "Medium"},
	Low:     {ColorID: "2", Label: "Low"},
	Default: {ColorID: "8", Label: "None"},
}

// ForPriority returns the slot for a 0-4 priority. Anything out of range is Default.
func ForPriority(priority int) Slot {
	switch priority {
	case 4:
		return Urgent
	case 3:
		return High
	case 2:
		return Medium
	case 1:
		return Low
	default:
		return Default
	}
}

// ColorID returns the calendar colorId for the slot.
func (s Slot) ColorID() string {
	if st, ok := slots[s]; ok {
		return st.ColorID
	}
	return slots[Default].ColorID
}

// Label is the human readable priority name.
func (s Slot) Label() string {
	if st, ok := slots[s]; ok {
		return st.Label
	}
	return slots[Default].Label
}

// SlotForColorID reverses ColorID. Unknown ids return Default.
func SlotForColorID(id string) Slot {
	for s, st := range slots {
		if st.ColorID == id {
			return s
		}
	}
	return Default
}
