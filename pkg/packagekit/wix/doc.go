/*
Package wix drives the WiX toolset to turn a frozen application
directory into an msi.

A build goes through these steps:
  1. Write the product wxs (rendered by packagekit) into a scratch dir
  2. Run `heat dir` over the application root to harvest every file
     into AppFiles.wxs, under the INSTALLDIR directory ref
  3. Check the harvest for files the installer cannot ship without
  4. Add PATH environment entries to the components holding the
     executables that should be reachable from a shell
  5. Run `candle` on both wxs files to get wixobj files
  6. Run `light` to link the wixobj files into the msi

The tools run natively on Windows. With WithDocker they run under
wine inside a container instead.

This is not a general wix wrapper. It covers the single-feature,
per-machine installers the release build produces.

See http://wixtoolset.org/ for the toolset itself.
*/
package wix
