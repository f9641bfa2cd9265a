// Package tgui provides small Telegram UI helpers:
//   - Inline keyboard builders
//   - Callback data helpers ("verb:arg:arg", at most 64 bytes)
//   - 1-based pagination with a prev/label/next control row
//   - A message builder that escapes for ParseMode="HTML" by default
package tgui
