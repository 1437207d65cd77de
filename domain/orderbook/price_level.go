package orderbook

// PriceLevel is a FIFO queue at a single price. TotalSize is the sum of the
// remaining sizes of its orders.
type PriceLevel struct {
	Price int64
	Side  Side

	head *Order
	tail *Order

	TotalSize  int64
	OrderCount int
}

func (p *PriceLevel) Enqueue(o *Order) {
	if p.head == nil {
		p.head = o
		p.tail = o
	} else {
		p.tail.next = o
		o.prev = p.tail
		p.tail = o
	}
	o.level = p
	p.TotalSize += o.Remaining()
	p.OrderCount++
}

func (p *PriceLevel) PopHead() *Order {
	o := p.head
	if o == nil {
		return nil
	}
	p.unlink(o)
	return o
}

// unlink removes o from anywhere in the queue.
func (p *PriceLevel) unlink(o *Order) {
	if o.prev != nil {
		o.prev.next = o.next
	} else {
		p.head = o.next
	}
	if o.next != nil {
		o.next.prev = o.prev
	} else {
		p.tail = o.prev
	}

	o.next = nil
	o.prev = nil
	o.level = nil

	p.TotalSize -= o.Remaining()
	p.OrderCount--
}

// fill trades qty against o without moving it in the queue.
func (p *PriceLevel) fill(o *Order, qty int64) {
	o.fill(qty)
	p.TotalSize -= qty
}

func (p *PriceLevel) Empty() bool {
	return p.head == nil
}

func (p *PriceLevel) Head() *Order {
	return p.head
}

func (p *PriceLevel) find(id uint64) *Order {
	for o := p.head; o != nil; o = o.next {
		if o.ID == id {
			return o
		}
	}
	return nil
}
