// internal/humanoid/keyboard.go
package humanoid

import (
	"context"
	"fmt"
	"unicode"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Virtual key codes for a US layout. Runes outside the map are sent with the
// Key field only.
var keyToVK = map[rune]int64{
	'a': 0x41, 'b': 0x42, 'c': 0x43, 'd': 0x44, 'e': 0x45, 'f': 0x46,
	'g': 0x47, 'h': 0x48, 'i': 0x49, 'j': 0x4A, 'k': 0x4B, 'l': 0x4C,
	'm': 0x4D, 'n': 0x4E, 'o': 0x4F, 'p': 0x50, 'q': 0x51, 'r': 0x52,
	's': 0x53, 't': 0x54, 'u': 0x55, 'v': 0x56, 'w': 0x57, 'x': 0x58,
	'y': 0x59, 'z': 0x5A,
	'0': 0x30, '1': 0x31, '2': 0x32, '3': 0x33, '4': 0x34,
	'5': 0x35, '6': 0x36, '7': 0x37, '8': 0x38, '9': 0x39,
	' ': 0x20, '.': 0xBE, ',': 0xBC, '-': 0xBD, '@': 0x32, '_': 0xBD,
}

func needsShift(key rune) bool {
	if unicode.IsLetter(key) && unicode.IsUpper(key) {
		return true
	}
	switch key {
	case '!', '@', '#', '$', '%', '^', '&', '*', '(', ')', '_', '+',
		'{', '}', '|', ':', '"', '<', '>', '?', '~':
		return true
	default:
		return false
	}
}

// Clear focuses selector and empties its value.
func (h *Humanoid) Clear(selector string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := chromedp.WaitVisible(selector, chromedp.ByQuery).Do(ctx); err != nil {
			return fmt.Errorf("humanoid: element '%s' not visible: %w", selector, err)
		}
		if err := chromedp.Focus(selector, chromedp.ByQuery).Do(ctx); err != nil {
			return fmt.Errorf("humanoid: failed to focus '%s': %w", selector, err)
		}
		if err := chromedp.SetValue(selector, "", chromedp.ByQuery).Do(ctx); err != nil {
			return fmt.Errorf("humanoid: failed to clear '%s': %w", selector, err)
		}
		return nil
	})
}

// Type focuses selector and appends text one key at a time. With pacing
// disabled the text is sent in a single SendKeys call. Use Clear first to
// replace an existing value.
func (h *Humanoid) Type(selector string, text string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := chromedp.WaitVisible(selector, chromedp.ByQuery).Do(ctx); err != nil {
			return fmt.Errorf("humanoid: element '%s' not visible: %w", selector, err)
		}
		if err := chromedp.Focus(selector, chromedp.ByQuery).Do(ctx); err != nil {
			return fmt.Errorf("humanoid: failed to focus '%s': %w", selector, err)
		}
		if !h.Enabled() {
			return chromedp.SendKeys(selector, text, chromedp.ByQuery).Do(ctx)
		}
		if err := h.Pause(ctx); err != nil {
			return err
		}
		for _, r := range text {
			if err := h.sendKey(ctx, r); err != nil {
				return err
			}
			if err := sleepContext(ctx, h.keyHoldDuration()); err != nil {
				return err
			}
		}
		return nil
	})
}

// Click pauses and then clicks the first node matching selector.
func (h *Humanoid) Click(selector string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := h.Pause(ctx); err != nil {
			return err
		}
		if err := chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible).Do(ctx); err != nil {
			return fmt.Errorf("humanoid: click on '%s' failed: %w", selector, err)
		}
		return nil
	})
}

// sendKey dispatches KeyDown, holds, then KeyUp.
func (h *Humanoid) sendKey(ctx context.Context, key rune) error {
	text := string(key)
	var modifiers input.Modifier
	if needsShift(key) {
		modifiers = input.ModifierShift
	}

	keyCode, ok := keyToVK[unicode.ToLower(key)]
	if !ok {
		h.logger.Debug("Virtual key code not mapped for rune", zap.String("rune", text))
	}

	downType := input.KeyRawDown
	if unicode.IsPrint(key) {
		downType = input.KeyDown
	}
	down := input.DispatchKeyEvent(downType).
		WithModifiers(modifiers).
		WithWindowsVirtualKeyCode(keyCode).
		WithKey(text)
	if downType == input.KeyDown {
		down = down.WithText(text)
	}
	if err := down.Do(ctx); err != nil {
		return fmt.Errorf("humanoid: keydown failed for '%c': %w", key, err)
	}

	up := input.DispatchKeyEvent(input.KeyUp).
		WithModifiers(modifiers).
		WithWindowsVirtualKeyCode(keyCode).
		WithKey(text)

	if err := sleepContext(ctx, h.keyHoldDuration()); err != nil {
		// Release the key even when interrupted.
		_ = up.Do(context.WithoutCancel(ctx))
		return err
	}
	if err := up.Do(ctx); err != nil {
		return fmt.Errorf("humanoid: keyup failed for '%c': %w", key, err)
	}
	return nil
}
