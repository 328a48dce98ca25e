package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	imagedraw "image/draw"
	"image/png"
	"strconv"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/park285/tablutboard/internal/ruleset"
)

type Options struct {
	// Title is drawn above the board; empty draws no header.
	Title string
	// SquareSize in pixels, default 48.
	SquareSize int
}

const (
	defaultSquare = 48
	minSquare     = 16
	maxSquare     = 96
	sideMargin    = 28
	headerHeight  = 44
	bottomMargin  = 28
	panelRadius   = 8
)

// ErrInvalidSquareSize is returned when Options.SquareSize is outside 16..96.
var ErrInvalidSquareSize = errors.New("square size out of range")

var (
	backgroundColor  = color.RGBA{R: 40, G: 44, B: 58, A: 255}
	lightSquare      = color.RGBA{233, 207, 163, 255}
	darkSquare       = color.RGBA{214, 184, 138, 255}
	specialSquare    = color.RGBA{150, 102, 70, 255}
	gridColor        = color.NRGBA{R: 90, G: 60, B: 40, A: 160}
	hudPanelColor    = color.NRGBA{R: 28, G: 31, B: 46, A: 250}
	hudTextPrimary   = color.NRGBA{R: 236, G: 239, B: 255, A: 255}
	coordinateColor  = color.NRGBA{R: 8, G: 214, B: 120, A: 255}
	boardShadowColor = color.NRGBA{0, 0, 0, 60}
)

// RenderPNG draws b as a PNG: squares with the throne and corners marked, pieces and coordinates.
func RenderPNG(ctx context.Context, b *ruleset.Board, opts Options) ([]byte, error) {
	if b == nil || b.Size == 0 {
		return nil, fmt.Errorf("board is nil")
	}
	sq := opts.SquareSize
	if sq == 0 {
		sq = defaultSquare
	}
	if sq < minSquare || sq > maxSquare {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSquareSize, sq)
	}

	top := bottomMargin
	title := strings.TrimSpace(opts.Title)
	if title != "" {
		top = headerHeight + 12
	}
	boardPx := sq * b.Size
	img := image.NewRGBA(image.Rect(0, 0, boardPx+sideMargin*2, boardPx+top+bottomMargin))
	imagedraw.Draw(img, img.Bounds(), image.NewUniform(backgroundColor), image.Point{}, imagedraw.Src)

	origin := image.Point{X: sideMargin, Y: top}
	boardRect := image.Rect(origin.X, origin.Y, origin.X+boardPx, origin.Y+boardPx)
	shadow := image.Rect(boardRect.Min.X+4, boardRect.Min.Y+6, boardRect.Max.X+6, boardRect.Max.Y+8)
	imagedraw.Draw(img, shadow, image.NewUniform(boardShadowColor), image.Point{}, imagedraw.Over)

	drawSquares(img, b.Size, sq, origin)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if err := drawPieces(img, b, sq, origin); err != nil {
		return nil, err
	}
	drawCoordinates(img, b.Size, sq, origin)
	if title != "" {
		drawHeader(img, title, image.Rect(boardRect.Min.X, 10, boardRect.Max.X, 10+headerHeight))
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// special reports the throne and the four corners.
func special(size, r, c int) bool {
	last := size - 1
	mid := size / 2
	if r == mid && c == mid {
		return true
	}
	return (r == 0 || r == last) && (c == 0 || c == last)
}

func drawSquares(dst *image.RGBA, size, sq int, origin image.Point) {
	for r := 0; r < size; r++ {
		for c := 0; c < size; c++ {
			clr := lightSquare
			switch {
			case special(size, r, c):
				clr = specialSquare
			case (r+c)%2 == 1:
				clr = darkSquare
			}
			x := origin.X + c*sq
			y := origin.Y + r*sq
			imagedraw.Draw(dst, image.Rect(x, y, x+sq, y+sq), image.NewUniform(clr), image.Point{}, imagedraw.Src)
		}
	}
	grid := image.NewUniform(gridColor)
	for i := 0; i <= size; i++ {
		x := origin.X + i*sq
		y := origin.Y + i*sq
		imagedraw.Draw(dst, image.Rect(x, origin.Y, x+1, origin.Y+size*sq), grid, image.Point{}, imagedraw.Over)
		imagedraw.Draw(dst, image.Rect(origin.X, y, origin.X+size*sq, y+1), grid, image.Point{}, imagedraw.Over)
	}
}

func drawPieces(dst *image.RGBA, b *ruleset.Board, sq int, origin image.Point) error {
	for r := 0; r < b.Size; r++ {
		for c := 0; c < b.Size; c++ {
			p := b.At(r, c)
			if p == ruleset.Empty {
				continue
			}
			img, err := renderPieceImage(p, sq)
			if err != nil {
				return err
			}
			x := origin.X + c*sq
			y := origin.Y + r*sq
			imagedraw.Draw(dst, image.Rect(x, y, x+sq, y+sq), img, image.Point{}, imagedraw.Over)
		}
	}
	return nil
}

// drawCoordinates labels files a.. along the bottom and ranks from size down to 1 on the left.
func drawCoordinates(dst *image.RGBA, size, sq int, origin image.Point) {
	face := basicfont.Face7x13
	drawer := &font.Drawer{Dst: dst, Face: face, Src: image.NewUniform(coordinateColor)}
	ascent := face.Metrics().Ascent.Ceil()
	bottom := origin.Y + size*sq
	for i := 0; i < size; i++ {
		center := origin.X + i*sq + sq/2
		drawCenteredText(drawer, string(rune('a'+i)), center, bottom+ascent+6)

		rankCenter := origin.Y + i*sq + sq/2
		drawCenteredText(drawer, strconv.Itoa(size-i), origin.X-sideMargin/2, rankCenter+ascent/2)
	}
}

func drawHeader(dst *image.RGBA, title string, rect image.Rectangle) {
	drawRoundedPanel(dst, rect, panelRadius, hudPanelColor)
	drawer := &font.Drawer{Dst: dst, Face: basicfont.Face7x13}
	title = truncateWithEllipsis(drawer.Face, title, rect.Dx()-24)
	drawCenteredString(drawer, rect, title, hudTextPrimary)
}

func drawCenteredText(drawer *font.Drawer, text string, centerX, baseline int) {
	if text == "" {
		return
	}
	width := drawer.MeasureString(text).Round()
	drawer.Dot = fixed.P(centerX-width/2, baseline)
	drawer.DrawString(text)
}
