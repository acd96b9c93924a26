package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"

	"github.com/stratofs/stratofs"
	"github.com/stratofs/stratofs/disk"
	"github.com/stratofs/stratofs/disks"
	"github.com/stratofs/stratofs/fs"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Usage: "Manage stratofs disk images",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "image",
				Aliases:  []string{"i"},
				Usage:    "path to the disk image file",
				Required: true,
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "format",
				Usage:  "Create or wipe an image",
				Action: formatImage,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "geometry",
						Usage: "predefined disk geometry slug",
						Value: "classic",
					},
					&cli.IntFlag{
						Name:  "sectors",
						Usage: "explicit sector count, overrides --geometry",
					},
					&cli.IntFlag{
						Name:  "dir-entries",
						Usage: "capacity of every directory table",
						Value: fs.DefaultNumDirEntries,
					},
				},
			},
			{
				Name:      "ls",
				Usage:     "List a directory",
				Action:    listPath,
				ArgsUsage: "[PATH]",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "recursive", Aliases: []string{"r"}},
				},
			},
			{
				Name:      "mkdir",
				Usage:     "Create a directory",
				Action:    makeDirectory,
				ArgsUsage: "PATH",
			},
			{
				Name:      "create",
				Usage:     "Create an empty file of a fixed size",
				Action:    createFile,
				ArgsUsage: "PATH SIZE",
			},
			{
				Name:      "put",
				Usage:     "Copy a host file into the image",
				Action:    putFile,
				ArgsUsage: "HOST_FILE PATH",
			},
			{
				Name:      "cat",
				Usage:     "Write a file's contents to stdout",
				Action:    catFile,
				ArgsUsage: "PATH",
			},
			{
				Name:      "rm",
				Usage:     "Remove a file or directory subtree",
				Action:    removePath,
				ArgsUsage: "PATH",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "recursive", Aliases: []string{"r"}},
				},
			},
			{
				Name:   "fsck",
				Usage:  "Cross-check reachable sectors against the free map",
				Action: checkImage,
			},
			{
				Name:   "info",
				Usage:  "Print a summary of the file system",
				Action: printInfo,
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

// openFileSystem mounts the image named by the global --image flag. The
// caller must close the returned file.
func openFileSystem(ctx *cli.Context) (*fs.FileSystem, *os.File, error) {
	imagePath := ctx.String("image")
	imageFile, err := os.OpenFile(imagePath, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, err
	}

	info, err := imageFile.Stat()
	if err != nil {
		imageFile.Close()
		return nil, nil, err
	}
	if info.Size()%stratofs.SectorSize != 0 {
		imageFile.Close()
		return nil, nil, fmt.Errorf(
			"%s is %d bytes, not a whole number of %d-byte sectors",
			imagePath,
			info.Size(),
			stratofs.SectorSize)
	}

	device, err := disk.NewImage(imageFile, int(info.Size()/stratofs.SectorSize))
	if err != nil {
		imageFile.Close()
		return nil, nil, err
	}

	fsys, err := fs.Mount(device, fs.Config{})
	if err != nil {
		imageFile.Close()
		return nil, nil, err
	}
	return fsys, imageFile, nil
}

func formatImage(ctx *cli.Context) error {
	totalSectors := ctx.Int("sectors")
	if totalSectors == 0 {
		geometry, err := disks.GetPredefinedGeometry(ctx.String("geometry"))
		if err != nil {
			return err
		}
		totalSectors = geometry.TotalSectors
	}

	imageFile, err := os.Create(ctx.String("image"))
	if err != nil {
		return err
	}
	defer imageFile.Close()

	err = imageFile.Truncate(int64(totalSectors) * stratofs.SectorSize)
	if err != nil {
		return err
	}

	device, err := disk.NewImage(imageFile, totalSectors)
	if err != nil {
		return err
	}

	_, err = fs.Mount(device, fs.Config{
		Format:        true,
		NumDirEntries: ctx.Int("dir-entries"),
	})
	return err
}

func listPath(ctx *cli.Context) error {
	fsys, imageFile, err := openFileSystem(ctx)
	if err != nil {
		return err
	}
	defer imageFile.Close()

	path := ctx.Args().First()
	if path == "" {
		path = "/"
	}
	return fsys.List(path, ctx.Bool("recursive"), os.Stdout)
}

func makeDirectory(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("expected exactly one path, got %d", ctx.NArg())
	}

	fsys, imageFile, err := openFileSystem(ctx)
	if err != nil {
		return err
	}
	defer imageFile.Close()

	return fsys.Mkdir(ctx.Args().First())
}

func createFile(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return fmt.Errorf("expected PATH and SIZE, got %d arguments", ctx.NArg())
	}
	size, err := strconv.ParseInt(ctx.Args().Get(1), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", ctx.Args().Get(1), err)
	}

	fsys, imageFile, err := openFileSystem(ctx)
	if err != nil {
		return err
	}
	defer imageFile.Close()

	return fsys.Create(ctx.Args().First(), size)
}

func putFile(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return fmt.Errorf("expected HOST_FILE and PATH, got %d arguments", ctx.NArg())
	}

	hostFile, err := os.Open(ctx.Args().First())
	if err != nil {
		return err
	}
	defer hostFile.Close()

	info, err := hostFile.Stat()
	if err != nil {
		return err
	}

	fsys, imageFile, err := openFileSystem(ctx)
	if err != nil {
		return err
	}
	defer imageFile.Close()

	targetPath := ctx.Args().Get(1)
	err = fsys.Create(targetPath, info.Size())
	if err != nil {
		return err
	}

	target, err := fsys.Open(targetPath)
	if err != nil {
		return err
	}
	defer target.Close()

	_, err = io.Copy(target, hostFile)
	return err
}

func catFile(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("expected exactly one path, got %d", ctx.NArg())
	}

	fsys, imageFile, err := openFileSystem(ctx)
	if err != nil {
		return err
	}
	defer imageFile.Close()

	file, err := fsys.Open(ctx.Args().First())
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = io.Copy(os.Stdout, file)
	return err
}

func removePath(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("expected exactly one path, got %d", ctx.NArg())
	}

	fsys, imageFile, err := openFileSystem(ctx)
	if err != nil {
		return err
	}
	defer imageFile.Close()

	return fsys.Remove(ctx.Args().First(), ctx.Bool("recursive"))
}

func checkImage(ctx *cli.Context) error {
	fsys, imageFile, err := openFileSystem(ctx)
	if err != nil {
		return err
	}
	defer imageFile.Close()

	err = fsys.CheckConsistency()
	if err != nil {
		return err
	}
	fmt.Println("file system is consistent")
	return nil
}

func printInfo(ctx *cli.Context) error {
	fsys, imageFile, err := openFileSystem(ctx)
	if err != nil {
		return err
	}
	defer imageFile.Close()

	free, err := fsys.FreeSectors()
	if err != nil {
		return err
	}

	totalSectors := fsys.Device().NumSectors()
	fmt.Printf("sector size:       %d bytes\n", stratofs.SectorSize)
	fmt.Printf("total sectors:     %d\n", totalSectors)
	fmt.Printf("free sectors:      %d\n", free)
	fmt.Printf("directory entries: %d per table\n", fsys.NumDirEntries())
	return nil
}
