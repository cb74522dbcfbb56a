// Package render turns a node tree into the two bodies of a multipart
// email: HTML markup and a plain-text fallback.
//
// The walk is depth-first and order preserving. Components are invoked
// and their results rendered in their place; fragments contribute only
// their children. Elements emit an opening tag with their attributes, their
// children, and a closing tag. The text channel receives only text
// content, plus two additions that keep it readable on its own:
//
//   - an <a> element with a non-empty string href is followed by " (href)"
//   - a block-level element (div, p, section, article, br, header, footer,
//     main, li) is followed by a newline
//
// Children that are nil, true or false render nothing. Deferred children
// are awaited. Nested slices of children are resolved concurrently and
// concatenated in their original order, so scheduling never changes the
// result.
//
// Escaping is off by default: attribute values and text are emitted
// verbatim. Use WithEscaping(true) when content may carry untrusted input.
package render
