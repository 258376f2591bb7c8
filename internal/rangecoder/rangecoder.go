// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// Package rangecoder implements the adaptive order-2 PPM range coder used
// as rnet's default whole-datagram Compressor. It is ported from ENet's
// compress.c rather than written against a general-purpose compression
// library: the model is deliberately tiny (a fixed 4096-symbol table per
// call) and tuned for single-datagram payloads, not bulk files, so pulling
// in a general-purpose compressor would both be the wrong shape for the
// job and lose wire compatibility with the algorithm this module's peers
// expect.
package rangecoder

import "errors"

const (
	rangeTop    = 1 << 24
	rangeBottom = 1 << 16

	contextSymbolDelta   = 3
	contextSymbolMinimum = 1
	contextEscapeMinimum = 1

	subcontextOrder       = 2
	subcontextSymbolDelta = 2
	subcontextEscapeDelta = 5

	// maxSymbols bounds a call's symbol table; only reasonable for MTU-sized
	// payloads, not file compression. The model resets whenever exhausted.
	maxSymbols = 4096

	// maxDecompressedSize is the fallback output bound used when the
	// caller's dst has no pre-existing capacity to imply one -- a backstop
	// against a corrupted stream that never lands on the root escape band
	// (the real end-of-stream signal) and so would otherwise grow out
	// forever.
	maxDecompressedSize = 1 << 20
)

// ErrCorruptStream is returned by Decompress when the compressed bytes do
// not correspond to a tree this decoder could have produced.
var ErrCorruptStream = errors.New("rangecoder: corrupt compressed stream")

var errEndOfStream = errors.New("rangecoder: end of stream")

// symbol is one node of a context's binary-indexed symbol tree, or (when
// parented by nothing) the context itself. left/right/symbols/parent hold
// absolute indices into Coder.sym; zero means "unset" (index 0 is always
// the root context, which is never a legitimate child or value node).
type symbol struct {
	value   uint8
	count   uint8
	under   uint16
	left    uint16
	right   uint16
	symbols uint16
	escapes uint16
	total   uint16
	parent  uint16
}

// Coder holds the symbol table for one Compress or Decompress call. It
// carries no state across calls: each call rebuilds its order-2 model from
// scratch, matching the original's per-datagram reset.
type Coder struct {
	sym [maxSymbols]symbol
}

func (c *Coder) createSymbol(next *uint16, value, count uint8) uint16 {
	i := *next
	*next++
	c.sym[i] = symbol{value: value, count: count, under: uint16(count)}
	return i
}

func (c *Coder) createContext(next *uint16, escapes, minimum uint16) uint16 {
	i := c.createSymbol(next, 0, 0)
	c.sym[i].escapes = escapes
	c.sym[i].total = escapes + 256*minimum
	return i
}

func (c *Coder) rescaleSymbol(idx uint16) uint16 {
	var total uint16
	i := idx
	for {
		s := &c.sym[i]
		s.count -= s.count >> 1
		s.under = uint16(s.count)
		if s.left != 0 {
			s.under += c.rescaleSymbol(s.left)
		}
		total += s.under
		if s.right == 0 {
			break
		}
		i = s.right
	}
	return total
}

func (c *Coder) rescaleContext(idx uint16, minimum uint16) {
	ctx := &c.sym[idx]
	if ctx.symbols != 0 {
		ctx.total = c.rescaleSymbol(ctx.symbols)
	} else {
		ctx.total = 0
	}
	ctx.escapes -= ctx.escapes >> 1
	ctx.total += ctx.escapes + 256*minimum
}

// contextEncode finds or inserts value's node within ctx, returning the
// under/count range-coder parameters for its current cumulative frequency
// (count==0 means value has never occurred in ctx: the caller must encode
// an escape to the next wider context instead).
func (c *Coder) contextEncode(ctxIdx uint16, next *uint16, value uint8, update uint8, minimum uint16) (symIdx uint16, under, count uint16) {
	ctx := &c.sym[ctxIdx]
	under = uint16(value) * minimum
	count = minimum
	if ctx.symbols == 0 {
		symIdx = c.createSymbol(next, value, update)
		ctx.symbols = symIdx
		return
	}
	node := ctx.symbols
	for {
		n := &c.sym[node]
		switch {
		case value < n.value:
			n.under += uint16(update)
			if n.left != 0 {
				node = n.left
				continue
			}
			symIdx = c.createSymbol(next, value, update)
			n.left = symIdx
		case value > n.value:
			under += n.under
			if n.right != 0 {
				node = n.right
				continue
			}
			symIdx = c.createSymbol(next, value, update)
			n.right = symIdx
		default:
			count += uint16(n.count)
			under += n.under - uint16(n.count)
			n.under += uint16(update)
			n.count += update
			symIdx = node
		}
		break
	}
	return
}

// contextTryDecode is contextEncode's read-side counterpart for a
// non-root context: it walks the tree by cumulative range rather than by
// value, since decoding discovers the byte rather than being given it.
// ok is false if code doesn't land on any existing node, which only
// happens for a stream this Coder did not produce.
func (c *Coder) contextTryDecode(ctxIdx uint16, code uint16) (symIdx uint16, value uint8, under, count uint16, ok bool) {
	ctx := &c.sym[ctxIdx]
	if ctx.symbols == 0 {
		return 0, 0, 0, 0, false
	}
	node := ctx.symbols
	for {
		n := &c.sym[node]
		after := under + n.under
		before := uint16(n.count)
		switch {
		case code >= after:
			under += n.under
			if n.right != 0 {
				node = n.right
				continue
			}
			return 0, 0, 0, 0, false
		case code < after-before:
			n.under += subcontextSymbolDelta
			if n.left != 0 {
				node = n.left
				continue
			}
			return 0, 0, 0, 0, false
		default:
			value = n.value
			count = before
			under = after - before
			n.under += subcontextSymbolDelta
			n.count += subcontextSymbolDelta
			symIdx = node
			ok = true
		}
		break
	}
	return
}

// contextRootDecode is contextTryDecode's root-context counterpart: the
// root always has a symbol for every byte value (real or not yet seen),
// so unlike contextTryDecode it never fails and instead synthesizes a
// fresh node directly from code when the tree doesn't have one yet.
func (c *Coder) contextRootDecode(ctxIdx uint16, next *uint16, code uint16) (symIdx uint16, value uint8, under, count uint16) {
	const minimum = contextSymbolMinimum
	const update = contextSymbolDelta
	ctx := &c.sym[ctxIdx]
	count = minimum
	if ctx.symbols == 0 {
		value = uint8(code / minimum)
		under = code - code%minimum
		symIdx = c.createSymbol(next, value, update)
		ctx.symbols = symIdx
		return
	}
	node := ctx.symbols
	for {
		n := &c.sym[node]
		after := under + n.under + (uint16(n.value)+1)*minimum
		before := uint16(n.count) + minimum
		switch {
		case code >= after:
			under += n.under
			if n.right != 0 {
				node = n.right
				continue
			}
			value = uint8(uint16(n.value) + 1 + (code-after)/minimum)
			under = code - (code-after)%minimum
			symIdx = c.createSymbol(next, value, update)
			n.right = symIdx
		case code < after-before:
			n.under += update
			if n.left != 0 {
				node = n.left
				continue
			}
			value = uint8(uint16(n.value) - 1 - (after-before-code-1)/minimum)
			under = code - (after-before-code-1)%minimum
			symIdx = c.createSymbol(next, value, update)
			n.left = symIdx
		default:
			value = n.value
			count += uint16(n.count)
			under = after - before
			n.under += update
			n.count += update
			symIdx = node
		}
		break
	}
	return
}

type encoder struct {
	low, rng uint32
	out      []byte
	limit    int
}

func (e *encoder) output(b byte) bool {
	if len(e.out) >= e.limit {
		return false
	}
	e.out = append(e.out, b)
	return true
}

func (e *encoder) encode(under, count, total uint16) bool {
	e.rng /= uint32(total)
	e.low += uint32(under) * e.rng
	e.rng *= uint32(count)
	for {
		if (e.low ^ (e.low + e.rng)) >= rangeTop {
			if e.rng >= rangeBottom {
				break
			}
			e.rng = (-e.low) & (rangeBottom - 1)
		}
		if !e.output(byte(e.low >> 24)) {
			return false
		}
		e.rng <<= 8
		e.low <<= 8
	}
	return true
}

func (e *encoder) flush() bool {
	for e.low != 0 {
		if !e.output(byte(e.low >> 24)) {
			return false
		}
		e.low <<= 8
	}
	return true
}

type decoder struct {
	low, code, rng uint32
	in             []byte
	pos            int
}

func (d *decoder) seed() {
	for i := 0; i < 4; i++ {
		shift := uint(24 - 8*i)
		if d.pos < len(d.in) {
			d.code |= uint32(d.in[d.pos]) << shift
			d.pos++
		}
	}
}

func (d *decoder) read(total uint16) uint16 {
	d.rng /= uint32(total)
	return uint16((d.code - d.low) / d.rng)
}

func (d *decoder) decode(under, count uint16) {
	d.low += uint32(under) * d.rng
	d.rng *= uint32(count)
	for {
		if (d.low ^ (d.low + d.rng)) >= rangeTop {
			if d.rng >= rangeBottom {
				break
			}
			d.rng = (-d.low) & (rangeBottom - 1)
		}
		d.code <<= 8
		if d.pos < len(d.in) {
			d.code |= uint32(d.in[d.pos])
			d.pos++
		}
		d.rng <<= 8
		d.low <<= 8
	}
}

// Compress encodes src with a fresh order-2 model and appends the result
// to dst. It bails out and returns src unchanged (per the Compressor
// contract) the moment the encoded form would not end up smaller.
func Compress(dst, src []byte) []byte {
	if len(src) == 0 {
		return dst[:0]
	}

	c := &Coder{}
	e := &encoder{rng: ^uint32(0), limit: len(src)}
	var next uint16
	root := c.createContext(&next, contextEscapeMinimum, contextSymbolMinimum)
	var predicted uint16
	order := 0

	for _, value := range src {
		parent := &predicted
		subcontext := predicted
		matched := false

		for subcontext != root {
			symIdx, under, count := c.contextEncode(subcontext, &next, value, subcontextSymbolDelta, 0)
			*parent = symIdx
			parent = &c.sym[symIdx].parent
			sc := &c.sym[subcontext]
			total := sc.total

			if count > 0 {
				if !e.encode(sc.escapes+under, count, total) {
					return src
				}
			} else {
				if sc.escapes > 0 && sc.escapes < total {
					if !e.encode(0, sc.escapes, total) {
						return src
					}
				}
				sc.escapes += subcontextEscapeDelta
				sc.total += subcontextEscapeDelta
			}
			sc.total += subcontextSymbolDelta
			if count > 0xFF-2*subcontextSymbolDelta || sc.total > rangeBottom-0x100 {
				c.rescaleContext(subcontext, 0)
			}
			if count > 0 {
				matched = true
				break
			}
			subcontext = sc.parent
		}

		if !matched {
			symIdx, under, count := c.contextEncode(root, &next, value, contextSymbolDelta, contextSymbolMinimum)
			*parent = symIdx
			rc := &c.sym[root]
			total := rc.total
			if !e.encode(rc.escapes+under, count, total) {
				return src
			}
			rc.total += contextSymbolDelta
			if count > 0xFF-2*contextSymbolDelta+contextSymbolMinimum || rc.total > rangeBottom-0x100 {
				c.rescaleContext(root, contextSymbolMinimum)
			}
		}

		if order >= subcontextOrder {
			predicted = c.sym[predicted].parent
		} else {
			order++
		}
		if int(next) >= maxSymbols-subcontextOrder {
			next = 0
			root = c.createContext(&next, contextEscapeMinimum, contextSymbolMinimum)
			predicted = 0
			order = 0
		}
	}

	if !e.flush() {
		return src
	}
	if len(e.out) >= len(src) {
		return src
	}
	return append(dst[:0], e.out...)
}

// decodeByte decodes one byte, walking predicted's context chain toward
// root (patching every context it passes through with the byte once
// found) exactly mirroring Compress's encode side. errEndOfStream is
// returned once the stream's reserved root escape band is hit, which is
// how a Compress-produced stream signals its own end: there is no
// explicit length field in the coded bytes themselves.
func (c *Coder) decodeByte(d *decoder, next *uint16, predicted *uint16, root uint16) (value uint8, err error) {
	parent := predicted
	subcontext := *predicted
	var symIdx, stopAt uint16
	resolved := false

	for subcontext != root {
		sc := &c.sym[subcontext]
		if sc.escapes > 0 && sc.escapes < sc.total {
			total := sc.total
			code := d.read(total)
			if code < sc.escapes {
				d.decode(0, sc.escapes)
			} else {
				code -= sc.escapes
				si, v, under, count, ok := c.contextTryDecode(subcontext, code)
				if !ok {
					return 0, ErrCorruptStream
				}
				d.decode(sc.escapes+under, count)
				sc.total += subcontextSymbolDelta
				if count > 0xFF-2*subcontextSymbolDelta || sc.total > rangeBottom-0x100 {
					c.rescaleContext(subcontext, 0)
				}
				symIdx, value, stopAt, resolved = si, v, subcontext, true
			}
		}
		if resolved {
			break
		}
		subcontext = sc.parent
	}

	if !resolved {
		rc := &c.sym[root]
		total := rc.total
		code := d.read(total)
		if code < rc.escapes {
			d.decode(0, rc.escapes)
			return 0, errEndOfStream
		}
		code -= rc.escapes
		si, v, under, count := c.contextRootDecode(root, next, code)
		d.decode(rc.escapes+under, count)
		rc.total += contextSymbolDelta
		if count > 0xFF-2*contextSymbolDelta+contextSymbolMinimum || rc.total > rangeBottom-0x100 {
			c.rescaleContext(root, contextSymbolMinimum)
		}
		symIdx, value, stopAt = si, v, root
	}

	patchIdx := *predicted
	for patchIdx != stopAt {
		p := &c.sym[patchIdx]
		si, _, count := c.contextEncode(patchIdx, next, value, subcontextSymbolDelta, 0)
		*parent = si
		parent = &c.sym[si].parent
		if count <= 0 {
			p.escapes += subcontextEscapeDelta
			p.total += subcontextEscapeDelta
		}
		p.total += subcontextSymbolDelta
		if count > 0xFF-2*subcontextSymbolDelta || p.total > rangeBottom-0x100 {
			c.rescaleContext(patchIdx, 0)
		}
		patchIdx = p.parent
	}
	*parent = symIdx

	return value, nil
}

// Decompress expands a stream previously produced by Compress, appending
// the result to dst. The decoded length is discovered by the stream
// itself (its root escape band), bounded defensively by cap(dst) so a
// corrupt or truncated input cannot grow output without limit.
func Decompress(dst, src []byte) ([]byte, error) {
	if len(src) == 0 {
		return dst[:0], nil
	}

	c := &Coder{}
	d := &decoder{rng: ^uint32(0), in: src}
	d.seed()
	var next uint16
	root := c.createContext(&next, contextEscapeMinimum, contextSymbolMinimum)
	var predicted uint16
	order := 0

	limit := cap(dst)
	if limit < len(dst) {
		limit = len(dst)
	}
	if limit == 0 {
		limit = maxDecompressedSize
	}
	out := dst[:0]

	for {
		value, err := c.decodeByte(d, &next, &predicted, root)
		if err == errEndOfStream {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(out) >= limit {
			return nil, ErrCorruptStream
		}
		out = append(out, value)

		if order >= subcontextOrder {
			predicted = c.sym[predicted].parent
		} else {
			order++
		}
		if int(next) >= maxSymbols-subcontextOrder {
			next = 0
			root = c.createContext(&next, contextEscapeMinimum, contextSymbolMinimum)
			predicted = 0
			order = 0
		}
	}

	return out, nil
}
