package orderbook

// PriceLevelIndex is one side of a book. Bids iterate from the highest
// price, asks from the lowest. The best level is cached and only recomputed
// from the tree when that level is pruned.
type PriceLevelIndex struct {
	side Side
	tree *RBTree
	best *PriceLevel
}

func NewPriceLevelIndex(side Side) *PriceLevelIndex {
	return &PriceLevelIndex{side: side, tree: NewRBTree()}
}

func (x *PriceLevelIndex) Side() Side { return x.side }

// Levels is the number of non-empty price levels.
func (x *PriceLevelIndex) Levels() int { return x.tree.Len() }

func (x *PriceLevelIndex) BestPrice() (int64, bool) {
	if x.best == nil {
		return 0, false
	}
	return x.best.Price, true
}

func (x *PriceLevelIndex) Best() *PriceLevel {
	return x.best
}

func (x *PriceLevelIndex) Level(price int64) *PriceLevel {
	return x.tree.FindLevel(price)
}

// Insert appends o to the tail of its price level.
func (x *PriceLevelIndex) Insert(o *Order) {
	lvl := x.tree.UpsertLevel(o.Price, x.side)
	lvl.Enqueue(o)
	if x.best == nil || x.better(o.Price, x.best.Price) {
		x.best = lvl
	}
}

// Remove takes order id off the level at price. A missing order is not an
// error.
func (x *PriceLevelIndex) Remove(price int64, id uint64) bool {
	lvl := x.tree.FindLevel(price)
	if lvl == nil {
		return false
	}
	o := lvl.find(id)
	if o == nil {
		return false
	}
	x.remove(o)
	return true
}

func (x *PriceLevelIndex) PeekFront(price int64) *Order {
	lvl := x.tree.FindLevel(price)
	if lvl == nil {
		return nil
	}
	return lvl.Head()
}

func (x *PriceLevelIndex) PopFront(price int64) *Order {
	lvl := x.tree.FindLevel(price)
	if lvl == nil {
		return nil
	}
	o := lvl.PopHead()
	x.pruneIfEmpty(lvl)
	return o
}

// ForEach walks levels from best to worst until fn returns false.
func (x *PriceLevelIndex) ForEach(fn func(*PriceLevel) bool) {
	if x.side == Buy {
		x.tree.ForEachDescending(fn)
		return
	}
	x.tree.ForEachAscending(fn)
}

// Crosses reports whether a taker limit on the other side trades against
// price. A zero limit crosses everything.
func (x *PriceLevelIndex) Crosses(price, limit int64) bool {
	if limit == 0 {
		return true
	}
	if x.side == Sell {
		return price <= limit
	}
	return price >= limit
}

func (x *PriceLevelIndex) remove(o *Order) {
	lvl := o.level
	if lvl == nil {
		return
	}
	lvl.unlink(o)
	x.pruneIfEmpty(lvl)
}

func (x *PriceLevelIndex) pruneIfEmpty(lvl *PriceLevel) {
	if !lvl.Empty() {
		return
	}
	x.tree.DeleteLevel(lvl.Price)
	if x.best == lvl {
		x.best = x.extreme()
	}
}

func (x *PriceLevelIndex) extreme() *PriceLevel {
	if x.side == Buy {
		return x.tree.MaxLevel()
	}
	return x.tree.MinLevel()
}

func (x *PriceLevelIndex) better(a, b int64) bool {
	if x.side == Buy {
		return a > b
	}
	return a < b
}
