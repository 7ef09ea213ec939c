// Command deadcellctl is a read-only inspection tool for deadcell
// volumes: statfs, directory listing, and per-inode stat. It never
// mounts read-write and never formats a volume; mkfs and the VFS
// adapter that drives real read/write traffic are out of scope here.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/deadcellfs/deadcell/backend/file"
	"github.com/deadcellfs/deadcell/blockdevice"
	"github.com/deadcellfs/deadcell/filesystem/deadcell"
)

func main() {
	app := &cli.App{
		Name:  "deadcellctl",
		Usage: "inspect a deadcell volume image",
		Commands: []*cli.Command{
			{
				Name:      "statfs",
				Usage:     "print volume-wide space and inode usage",
				ArgsUsage: "IMAGE",
				Action:    cmdStatfs,
			},
			{
				Name:      "ls",
				Usage:     "list a directory's entries",
				ArgsUsage: "IMAGE [INODE]",
				Action:    cmdLs,
			},
			{
				Name:      "stat",
				Usage:     "print one inode's record",
				ArgsUsage: "IMAGE INODE",
				Action:    cmdStat,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("deadcellctl: %s", err.Error())
	}
}

func openVolume(path string) (*deadcell.Superblock, error) {
	storage, err := file.OpenFromPath(path, true)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	info, err := storage.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	numBlocks := uint64(info.Size()) / blockdevice.BlockSize
	dev := blockdevice.New(storage, numBlocks)
	return deadcell.Mount(dev, deadcell.MountOptions{})
}

func cmdStatfs(c *cli.Context) error {
	if c.Args().Len() < 1 {
		return fmt.Errorf("usage: deadcellctl statfs IMAGE")
	}
	sb, err := openVolume(c.Args().Get(0))
	if err != nil {
		return err
	}
	st := sb.Statfs()
	fmt.Printf("block_size:     %d\n", st.BlockSize)
	fmt.Printf("blocks:         %d\n", st.NrBlocks)
	fmt.Printf("free_blocks:    %d\n", st.NrFreeBlocks)
	fmt.Printf("inodes:         %d\n", st.NrInodes)
	fmt.Printf("free_inodes:    %d\n", st.NrFreeInodes)
	fmt.Printf("max_name_len:   %d\n", st.MaxNameLen)
	return nil
}

func cmdLs(c *cli.Context) error {
	if c.Args().Len() < 1 {
		return fmt.Errorf("usage: deadcellctl ls IMAGE [INODE]")
	}
	sb, err := openVolume(c.Args().Get(0))
	if err != nil {
		return err
	}
	ino := uint32(deadcell.RootInode)
	if c.Args().Len() >= 2 {
		n, err := parseInode(c.Args().Get(1))
		if err != nil {
			return err
		}
		ino = n
	}
	dir, err := sb.Iget(ino)
	if err != nil {
		return fmt.Errorf("opening inode %d: %w", ino, err)
	}
	entries, err := dir.Iterate()
	if err != nil {
		return fmt.Errorf("listing inode %d: %w", ino, err)
	}
	for _, e := range entries {
		fmt.Printf("%8d  %s\n", e.Inode, e.Name)
	}
	return nil
}

func cmdStat(c *cli.Context) error {
	if c.Args().Len() < 2 {
		return fmt.Errorf("usage: deadcellctl stat IMAGE INODE")
	}
	sb, err := openVolume(c.Args().Get(0))
	if err != nil {
		return err
	}
	ino, err := parseInode(c.Args().Get(1))
	if err != nil {
		return err
	}
	h, err := sb.Iget(ino)
	if err != nil {
		return fmt.Errorf("opening inode %d: %w", ino, err)
	}
	uid, gid := h.Owner()
	ctime, atime, mtime := h.Times()
	fmt.Printf("inode:   %d\n", ino)
	fmt.Printf("mode:    %#o\n", h.Mode())
	fmt.Printf("dir:     %v\n", h.IsDir())
	fmt.Printf("symlink: %v\n", h.IsSymlink())
	fmt.Printf("size:    %d\n", h.Size())
	fmt.Printf("nlink:   %d\n", h.Nlink())
	fmt.Printf("uid/gid: %d/%d\n", uid, gid)
	fmt.Printf("times:   ctime=%d atime=%d mtime=%d\n", ctime, atime, mtime)
	if h.IsSymlink() {
		fmt.Printf("target:  %s\n", h.LinkTarget())
		return nil
	}
	extents, err := h.Extents()
	if err != nil {
		return fmt.Errorf("reading extents of inode %d: %w", ino, err)
	}
	for _, e := range extents {
		fmt.Printf("extent:  logical=%d len=%d physical=%d\n", e.Block, e.Len, e.Start)
	}
	return nil
}

func parseInode(s string) (uint32, error) {
	var n uint32
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("bad inode number %q: %w", s, err)
	}
	return n, nil
}
