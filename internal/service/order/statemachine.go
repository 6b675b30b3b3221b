package order

import "github.com/Additional-Code/dispatch/internal/entity"

// AllowedTransitions is the order lifecycle as code. Terminal statuses have no entry.
var AllowedTransitions = map[entity.Status][]entity.Status{
	entity.StatusPlaced:         {entity.StatusAccepted, entity.StatusCancelled},
	entity.StatusAccepted:       {entity.StatusPreparing, entity.StatusCancelled},
	entity.StatusPreparing:      {entity.StatusReady, entity.StatusCancelled},
	entity.StatusReady:          {entity.StatusOutForDelivery, entity.StatusCancelled},
	entity.StatusOutForDelivery: {entity.StatusDelivered, entity.StatusCancelled},
}

// CanTransition reports whether an order in from may move to to.
func CanTransition(from, to entity.Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// customerCancellable are the statuses a customer may still cancel from.
var customerCancellable = map[entity.Status]bool{
	entity.StatusPlaced:   true,
	entity.StatusAccepted: true,
}

var kitchenSettable = map[entity.Status]bool{
	entity.StatusAccepted:  true,
	entity.StatusPreparing: true,
	entity.StatusReady:     true,
	entity.StatusCancelled: true,
}

var driverSettable = map[entity.Status]bool{
	entity.StatusDelivered: true,
	entity.StatusCancelled: true,
}
