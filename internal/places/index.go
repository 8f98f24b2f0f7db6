package places

type color uint8

const (
	red color = iota
	black
)

type indexNode struct {
	key    PlaceName
	place  *place
	color  color
	left   *indexNode
	right  *indexNode
	parent *indexNode
}

// placeIndex is a red-black tree keyed by place name. Places are never
// removed, so there is no delete path.
type placeIndex struct {
	root *indexNode
	nil  *indexNode
	size int
}

func newPlaceIndex() *placeIndex {
	sentinel := &indexNode{color: black}
	return &placeIndex{root: sentinel, nil: sentinel}
}

func (t *placeIndex) Len() int { return t.size }

func (t *placeIndex) Find(name PlaceName) *place {
	n := t.root
	for n != t.nil {
		switch {
		case name < n.key:
			n = n.left
		case name > n.key:
			n = n.right
		default:
			return n.place
		}
	}
	return nil
}

// Insert adds p under its name and reports false if the name is taken.
func (t *placeIndex) Insert(p *place) bool {
	y := t.nil
	x := t.root
	for x != t.nil {
		y = x
		switch {
		case p.name < x.key:
			x = x.left
		case p.name > x.key:
			x = x.right
		default:
			return false
		}
	}

	z := &indexNode{key: p.name, place: p, color: red, left: t.nil, right: t.nil, parent: y}
	switch {
	case y == t.nil:
		t.root = z
	case z.key < y.key:
		y.left = z
	default:
		y.right = z
	}
	t.insertFixup(z)
	t.size++
	return true
}

// ForEachAscending visits places in name order until fn returns false.
func (t *placeIndex) ForEachAscending(fn func(*place) bool) {
	for n := t.min(t.root); n != t.nil; n = t.next(n) {
		if !fn(n.place) {
			return
		}
	}
}

func (t *placeIndex) insertFixup(z *indexNode) {
	for z.parent.color == red {
		grandparent := z.parent.parent
		if z.parent == grandparent.left {
			uncle := grandparent.right
			if uncle.color == red {
				z.parent.color = black
				uncle.color = black
				grandparent.color = red
				z = grandparent
				continue
			}
			if z == z.parent.right {
				z = z.parent
				t.rotateLeft(z)
			}
			z.parent.color = black
			z.parent.parent.color = red
			t.rotateRight(z.parent.parent)
		} else {
			uncle := grandparent.left
			if uncle.color == red {
				z.parent.color = black
				uncle.color = black
				grandparent.color = red
				z = grandparent
				continue
			}
			if z == z.parent.left {
				z = z.parent
				t.rotateRight(z)
			}
			z.parent.color = black
			z.parent.parent.color = red
			t.rotateLeft(z.parent.parent)
		}
	}
	t.root.color = black
}

func (t *placeIndex) rotateLeft(x *indexNode) {
	y := x.right
	x.right = y.left
	if y.left != t.nil {
		y.left.parent = x
	}
	y.parent = x.parent
	switch {
	case x.parent == t.nil:
		t.root = y
	case x == x.parent.left:
		x.parent.left = y
	default:
		x.parent.right = y
	}
	y.left = x
	x.parent = y
}

func (t *placeIndex) rotateRight(x *indexNode) {
	y := x.left
	x.left = y.right
	if y.right != t.nil {
		y.right.parent = x
	}
	y.parent = x.parent
	switch {
	case x.parent == t.nil:
		t.root = y
	case x == x.parent.right:
		x.parent.right = y
	default:
		x.parent.left = y
	}
	y.right = x
	x.parent = y
}

func (t *placeIndex) min(n *indexNode) *indexNode {
	if n == t.nil {
		return n
	}
	for n.left != t.nil {
		n = n.left
	}
	return n
}

func (t *placeIndex) next(n *indexNode) *indexNode {
	if n.right != t.nil {
		return t.min(n.right)
	}
	p := n.parent
	for p != t.nil && n == p.right {
		n = p
		p = p.parent
	}
	return p
}
