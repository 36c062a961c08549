// Package gstsrc registers GStreamer backed capture schemes. Importing it
// enables:
//
//	window:<xid|hwnd>   one window (X11 ximagesrc, Windows d3d11screencapturesrc)
//	display:<n>         a whole screen (ximagesrc, d3d11screencapturesrc, avfvideosrc)
//	portal:[window|monitor]
//	                    a source picked through xdg-desktop-portal and read
//	                    from PipeWire (Wayland)
//
// Every backend converts to BGRA and scales to the requested size inside
// the pipeline. Builds without cgo register nothing.
package gstsrc
